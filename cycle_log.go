package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/sirmick/emporia-solax-homeassistant/solax"
)

// CycleLogger appends one JSON record per control cycle to a file: the raw
// register array, the decoded reading, the aggregated status, and any
// actions taken. Only created when detailed logging is enabled.
type CycleLogger struct {
	file *os.File
	log  *logrus.Logger
}

// NewCycleLogger opens (or creates) the detailed log file for appending.
func NewCycleLogger(path string) (*CycleLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open detailed log: %w", err)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(file)
	log.SetLevel(logrus.InfoLevel)

	return &CycleLogger{file: file, log: log}, nil
}

// Record writes one cycle's record.
func (c *CycleLogger) Record(registers []int, reading *solax.Reading, status *SystemStatus, actions []ChargerAction) {
	c.log.WithFields(logrus.Fields{
		"registers": registers,
		"inverter":  reading,
		"status":    status,
		"actions":   actions,
	}).Info("cycle")
}

// Close flushes and closes the log file.
func (c *CycleLogger) Close() error {
	return c.file.Close()
}
