// Package logging configures the service's logrus logger and keeps signup
// email addresses out of plain-text logs.
package logging

import (
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

type Options struct {
	Level        string
	Format       string // "json" or "text"
	Instance     string
	RedactEmails bool
	Output       io.Writer
}

// New builds the root log entry every component derives from.
func New(opts Options) *logrus.Entry {
	l := logrus.New()

	if opts.Output != nil {
		l.SetOutput(opts.Output)
	} else {
		l.SetOutput(os.Stdout)
	}

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(opts.Format, "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	entry := logrus.NewEntry(l).WithField("service", "waitlist")
	if opts.Instance != "" {
		entry = entry.WithField("instance", opts.Instance)
	}

	showEmails.Store(!opts.RedactEmails)
	return entry
}

// Discard returns an entry that writes nowhere. Used by tests and by
// components constructed without a logger.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// showEmails is false until a logger is built with RedactEmails off.
var showEmails atomic.Bool

// Email returns the form of an address that is safe to log.
func Email(email string) string {
	if showEmails.Load() {
		return email
	}
	return RedactEmail(email)
}

// RedactEmail masks the local part of an address:
// "john.doe@example.com" → "jo***@example.com", "ab@example.com" → "***@example.com".
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return "***"
	}
	name, domain := []rune(email[:at]), email[at+1:]
	if len(name) > 2 {
		return string(name[:2]) + "***@" + domain
	}
	return "***@" + domain
}
