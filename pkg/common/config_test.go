package common

import (
	"io/ioutil"
	"path"
	"testing"
	"time"

	"github.com/dr0pdb/lizarddb/test"
	"github.com/stretchr/testify/assert"
)

var testDirectory = path.Join("/tmp", "lizardconfigtest")

func TestDefaultConfigIsValid(t *testing.T) {
	conf := NewDefaultLizardConfig()
	assert.Nil(t, conf.Validate())
	assert.True(t, conf.SafeCleanout, "safe cleanout should be on by default")
}

func TestValidateRejectsBadValues(t *testing.T) {
	conf := NewDefaultLizardConfig()
	conf.UndoSpaces = 0
	assert.NotNil(t, conf.Validate())

	conf = NewDefaultLizardConfig()
	conf.UndoSpaces = 128
	assert.NotNil(t, conf.Validate(), "undo space ids must fit in 7 bits")

	conf = NewDefaultLizardConfig()
	conf.SampleRetention = conf.SampleInterval / 2
	assert.NotNil(t, conf.Validate())

	conf = NewDefaultLizardConfig()
	conf.LogLevel = "loud"
	assert.NotNil(t, conf.Validate())
}

func TestLoadFromFile(t *testing.T) {
	test.CreateTestDirectory(testDirectory)
	defer test.CleanupTestDirectory(testDirectory)

	data := []byte(`
dbPath: /tmp/lizardconfigtest/db
port: "9555"
safeCleanout: false
undoSpaces: 3
sampleInterval: 2s
logLevel: debug
`)
	p := path.Join(testDirectory, "lizard.yaml")
	assert.Nil(t, ioutil.WriteFile(p, data, 0644))

	conf := NewDefaultLizardConfig()
	conf.LoadFromFile(p)

	assert.Equal(t, "/tmp/lizardconfigtest/db", conf.DbPath)
	assert.Equal(t, "9555", conf.Port)
	assert.False(t, conf.SafeCleanout)
	assert.Equal(t, uint8(3), conf.UndoSpaces)
	assert.Equal(t, 2*time.Second, conf.SampleInterval)
	assert.Equal(t, "debug", conf.LogLevel)

	// untouched fields keep their defaults
	assert.Equal(t, 4, conf.RsegsPerSpace)
	assert.Equal(t, "127.0.0.1", conf.Address)
}

func TestLoadFromMissingFileKeepsDefaults(t *testing.T) {
	conf := NewDefaultLizardConfig()
	conf.LoadFromFile("/tmp/lizardconfigtest/does-not-exist.yaml")
	assert.Equal(t, NewDefaultLizardConfig(), conf)
}
