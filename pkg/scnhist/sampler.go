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

package scnhist

import (
	"context"
	"time"

	"github.com/dr0pdb/lizarddb/pkg/scn"
	log "github.com/sirupsen/logrus"
)

// SCNSource returns the current scn.
type SCNSource func() scn.SCN

// StartSampler records a sample of current every interval and drops the
// samples older than retention. It runs until ctx is done or the store is closed.
func (s *Store) StartSampler(ctx context.Context, current SCNSource, interval, retention time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.closed || s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	log.WithFields(log.Fields{"interval": interval, "retention": retention}).Info("scnhist::sampler::StartSampler; starting the sampler")
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.sample(current, retention)
		for {
			select {
			case <-ctx.Done():
				log.Info("scnhist::sampler::StartSampler; sampler stopped")
				return
			case <-ticker.C:
				s.sample(current, retention)
			}
		}
	}()
}

func (s *Store) sample(current SCNSource, retention time.Duration) {
	now := s.clock()
	if err := s.Append(Sample{UTC: now, SCN: current()}); err != nil {
		log.WithFields(log.Fields{"error": err.Error()}).Warn("scnhist::sampler::sample; couldn't record a sample")
		return
	}

	keep := scn.UTC(retention / time.Microsecond)
	if now <= keep {
		return
	}
	if _, err := s.Truncate(now - keep); err != nil {
		log.WithFields(log.Fields{"error": err.Error()}).Warn("scnhist::sampler::sample; couldn't drop old samples")
	}
}
