// Package logging writes eventbus events to a logrus logger.
package logging

import (
	"context"

	"github.com/sirupsen/logrus"

	eventbus "github.com/hanpama/projector/internal/eventbus"
	events "github.com/hanpama/projector/internal/events"
	reqid "github.com/hanpama/projector/internal/reqid"
)

// Subscribe attaches log to b. Requests are logged at info, failures at
// warn, and cache lifecycle at debug.
func Subscribe(b *eventbus.Bus, log *logrus.Logger) (unsubscribe func()) {
	entry := func(ctx context.Context) *logrus.Entry {
		e := logrus.NewEntry(log)
		if rid, ok := reqid.FromContext(ctx); ok {
			e = e.WithField("request_id", rid.String())
		}
		return e
	}
	unsubs := []func(){
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.HTTPFinish) {
			entry(ctx).WithFields(logrus.Fields{
				"method":     e.Request.Method,
				"path":       e.Request.URL.Path,
				"status":     e.Status,
				"operations": e.Operations,
				"duration":   e.Duration,
			}).Info("http request")
		}),
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.GraphQLFinish) {
			l := entry(ctx).WithFields(logrus.Fields{
				"operation":   e.OperationName,
				"type":        e.OperationType,
				"plan_cached": e.PlanCached,
				"duration":    e.Duration,
			})
			if len(e.Errors) > 0 {
				l.WithField("err", e.Errors[0]).Warn("graphql operation failed")
				return
			}
			l.Debug("graphql operation")
		}),
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.PlanCompiled) {
			l := entry(ctx).WithFields(logrus.Fields{
				"operation": e.OperationName,
				"nodes":     e.Nodes,
				"variables": e.Variables,
				"duration":  e.Duration,
			})
			if e.Err != nil {
				l.WithField("err", e.Err).Warn("plan compilation failed")
				return
			}
			l.Debug("plan compiled")
		}),
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.CacheCreated) {
			entry(ctx).WithFields(logrus.Fields{
				"cache": e.CacheID,
				"nodes": e.Nodes,
			}).Debug("cache created")
		}),
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.CompilePass) {
			l := entry(ctx).WithFields(logrus.Fields{
				"cache":     e.CacheID,
				"first_use": e.FirstUse,
				"compiled":  e.Compiled,
				"reused":    e.Reused,
				"duration":  e.Duration,
			})
			if e.Err != nil {
				l.WithField("err", e.Err).Warn("compile pass failed")
				return
			}
			l.Debug("compile pass")
		}),
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.CacheReleased) {
			entry(ctx).WithFields(logrus.Fields{
				"cache":    e.CacheID,
				"pooled":   e.Pooled,
				"duration": e.Duration,
			}).Debug("cache released")
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// ParseLevel is logrus.ParseLevel with the level names accepted by the CLI.
func ParseLevel(s string) (logrus.Level, error) {
	if s == "" {
		return logrus.InfoLevel, nil
	}
	return logrus.ParseLevel(s)
}
