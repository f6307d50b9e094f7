// Package logging configures the logrus logger every component writes
// progress and error lines through.
package logging

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// New builds a logger at the given level (one of logrus's level names,
// case-insensitive; empty defaults to "info"), tagged with role and id
// fields so coordinator and peer output interleave legibly.
func New(level, role string, id int32) (*logrus.Entry, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	l := logrus.New()
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return l.WithFields(logrus.Fields{"role": role, "id": id}), nil
}
