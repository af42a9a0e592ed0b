package test

import (
	"io/ioutil"
	"os"
	"path"
)

var (
	// TestDirectory is the default scratch directory of the tests.
	TestDirectory = path.Join("/tmp", "lizardtest")

	// TestPayloads - test data
	TestPayloads [][]byte = [][]byte{[]byte("Row1"), []byte("Row2"), []byte("Row3"), []byte("Row4"), []byte("Row5")}
)

// CreateTestDirectory creates a test directory for running tests.
func CreateTestDirectory(testDirectory string) {
	os.MkdirAll(testDirectory, os.ModePerm)
}

// CleanupTestDirectory cleans up the test directory.
func CleanupTestDirectory(testDirectory string) error {
	dir, err := ioutil.ReadDir(testDirectory)
	if err != nil {
		return err
	}
	for _, d := range dir {
		os.RemoveAll(path.Join([]string{testDirectory, d.Name()}...))
	}
	return nil
}
