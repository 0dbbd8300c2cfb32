package service

import (
	"context"

	"github.com/sirupsen/logrus"
)

const interruptedMessage = "Interrupted by service restart"

type interruptedResetter interface {
	ResetInterrupted(ctx context.Context, message string) (int64, error)
}

// RecoverInterruptedTasks runs at startup. Records still marked active
// belong to goroutines of a previous process and are marked stopped.
func RecoverInterruptedTasks(ctx context.Context, store interruptedResetter, log logrus.FieldLogger) (int64, error) {
	log.Info("Checking for tasks interrupted by a restart...")
	n, err := store.ResetInterrupted(ctx, interruptedMessage)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Warnf("Marked %d interrupted tasks as stopped", n)
	} else {
		log.Info("No tasks needed status recovery")
	}
	return n, nil
}
