package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewFallsBackToInfoLevel(t *testing.T) {
	l := New("test", "not-a-level", "json")
	if l.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level fallback, got %v", l.GetLevel())
	}
}

func TestEntriesCarryServiceField(t *testing.T) {
	l := NewDefault("gasbank")

	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithField("transaction_id", "tx-1").Info("withdrawal created")

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if record["service"] != "gasbank" {
		t.Fatalf("expected service field, got %v", record["service"])
	}
	if record["transaction_id"] != "tx-1" {
		t.Fatalf("expected transaction_id field, got %v", record["transaction_id"])
	}
	if record["message"] != "withdrawal created" {
		t.Fatalf("expected message field, got %v", record["message"])
	}
}

func TestNewTextFormat(t *testing.T) {
	l := New("gasbank", "debug", "text")

	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.WithFields(logrus.Fields{"k": "v"}).Debug("hello")

	if !bytes.Contains(buf.Bytes(), []byte("hello")) {
		t.Fatalf("expected text output to contain message, got %q", buf.String())
	}
}
