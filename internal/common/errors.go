/**
 * Copyright 2021 The IcecaneDB Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package common

import (
	"fmt"
)

// NotFoundError is returned when the required value is not found.
type NotFoundError struct {
	Message string
}

func (nf NotFoundError) Error() string {
	return fmt.Sprintf("%s", nf.Message)
}

// NewNotFoundError creates a new instance of NotFoundError with the given message.
func NewNotFoundError(message string) NotFoundError {
	return NotFoundError{
		Message: message,
	}
}

// UnknownError is returned when an unknown error happens.
type UnknownError struct {
	Message string
}

func (nf UnknownError) Error() string {
	return fmt.Sprintf("%s", nf.Message)
}

// NewUnknownError creates a new instance of UnknownError with the given message.
func NewUnknownError(message string) UnknownError {
	return UnknownError{
		Message: message,
	}
}

// StaleLogRecordWriterError is returned when the log record writer is in stale state.
type StaleLogRecordWriterError struct {
	Message string
}

func (slrw StaleLogRecordWriterError) Error() string {
	return fmt.Sprintf("%s", slrw.Message)
}

// NewStaleLogRecordWriterError creates a new instance of StaleLogRecordWriterError with the given message.
func NewStaleLogRecordWriterError(message string) StaleLogRecordWriterError {
	return StaleLogRecordWriterError{
		Message: message,
	}
}

// CorruptLogRecordError is returned when a redo log chunk fails its checksum or framing checks.
type CorruptLogRecordError struct {
	Message string
}

func (clr CorruptLogRecordError) Error() string {
	return fmt.Sprintf("%s", clr.Message)
}

// NewCorruptLogRecordError creates a new instance of CorruptLogRecordError with the given message.
func NewCorruptLogRecordError(message string) CorruptLogRecordError {
	return CorruptLogRecordError{
		Message: message,
	}
}

// AllocatorExhaustedError is returned when the commit number allocator can not hand out
// another SCN. It violates the global commit order and the node must stop.
type AllocatorExhaustedError struct {
	Message string
}

func (ae AllocatorExhaustedError) Error() string {
	return fmt.Sprintf("%s", ae.Message)
}

// NewAllocatorExhaustedError creates a new instance of AllocatorExhaustedError with the given message.
func NewAllocatorExhaustedError(message string) AllocatorExhaustedError {
	return AllocatorExhaustedError{
		Message: message,
	}
}

// UndoHeaderCorruptError is returned when an undo log header fails its magic or layout checks.
type UndoHeaderCorruptError struct {
	Message string
}

func (uhc UndoHeaderCorruptError) Error() string {
	return fmt.Sprintf("%s", uhc.Message)
}

// NewUndoHeaderCorruptError creates a new instance of UndoHeaderCorruptError with the given message.
func NewUndoHeaderCorruptError(message string) UndoHeaderCorruptError {
	return UndoHeaderCorruptError{
		Message: message,
	}
}

// SnapshotOutOfRangeError is returned when an as-of query asks for a point in time
// that is no longer (or not yet) covered by the retained history.
type SnapshotOutOfRangeError struct {
	Message string
}

func (sor SnapshotOutOfRangeError) Error() string {
	return fmt.Sprintf("%s", sor.Message)
}

// NewSnapshotOutOfRangeError creates a new instance of SnapshotOutOfRangeError with the given message.
func NewSnapshotOutOfRangeError(message string) SnapshotOutOfRangeError {
	return SnapshotOutOfRangeError{
		Message: message,
	}
}

// SnapshotInternalError is returned when the scn history itself is unusable.
type SnapshotInternalError struct {
	Message string
}

func (si SnapshotInternalError) Error() string {
	return fmt.Sprintf("%s", si.Message)
}

// NewSnapshotInternalError creates a new instance of SnapshotInternalError with the given message.
func NewSnapshotInternalError(message string) SnapshotInternalError {
	return SnapshotInternalError{
		Message: message,
	}
}

// SchemaDriftError is returned when the table definition changed after the logical time of a vision.
type SchemaDriftError struct {
	Message string
}

func (sd SchemaDriftError) Error() string {
	return fmt.Sprintf("%s", sd.Message)
}

// NewSchemaDriftError creates a new instance of SchemaDriftError with the given message.
func NewSchemaDriftError(message string) SchemaDriftError {
	return SchemaDriftError{
		Message: message,
	}
}

// AbortedTransactionError is returned when an operation is called on an aborted txn.
type AbortedTransactionError struct {
	Message string
}

func (ate AbortedTransactionError) Error() string {
	return fmt.Sprintf("%s", ate.Message)
}

// NewAbortedTransactionError creates a new instance of AbortedTransactionError with the given message.
func NewAbortedTransactionError(message string) AbortedTransactionError {
	return AbortedTransactionError{
		Message: message,
	}
}

// CommittedTransactionError is returned when an operation is called on an already committed txn.
type CommittedTransactionError struct {
	Message string
}

func (ate CommittedTransactionError) Error() string {
	return fmt.Sprintf("%s", ate.Message)
}

// NewCommittedTransactionError creates a new instance of CommittedTransactionError with the given message.
func NewCommittedTransactionError(message string) CommittedTransactionError {
	return CommittedTransactionError{
		Message: message,
	}
}
