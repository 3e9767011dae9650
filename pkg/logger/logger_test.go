package logger

import (
	"testing"
)

type fakeEnv struct{ value string }

func (f fakeEnv) Getenv(string) string { return f.value }

func TestUnstructuredLogsWithEnv(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected bool
	}{
		{"Default Case", "", true},
		{"Explicitly True", "true", true},
		{"Explicitly False", "false", false},
		{"Invalid Value", "not-a-bool", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := unstructuredLogsWithEnv(fakeEnv{tt.envValue}); got != tt.expected {
				t.Errorf("unstructuredLogsWithEnv() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestLogLevelsDoNotPanic(t *testing.T) {
	Initialize()

	Debug("debug msg")
	Debugf("debug %s", "formatted")
	Debugw("debug kv", "key", "val")
	Info("info msg")
	Infof("info %s", "formatted")
	Infow("info kv", "key", "val")
	Warn("warn msg")
	Warnf("warn %s", "formatted")
	Warnw("warn kv", "key", "val")
	Error("error msg")
	Errorf("error %s", "formatted")
	Errorw("error kv", "key", "val")
}

func TestGetReturnsSingleton(t *testing.T) {
	Initialize()
	if Get() == nil {
		t.Fatal("Get() returned nil")
	}
}

func TestInitializeWithEnv(t *testing.T) {
	InitializeWithEnv(fakeEnv{"false"})
	if Get() == nil {
		t.Fatal("Get() returned nil after InitializeWithEnv")
	}
	InitializeWithEnv(fakeEnv{"true"})
	if Get() == nil {
		t.Fatal("Get() returned nil after InitializeWithEnv")
	}
}
