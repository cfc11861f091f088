// Package middleware provides the built-in store middleware: validation,
// logging, timing, persistence, notification and activity emission.
//
// Every middleware implements reactive.Middleware plus the phase handler
// interfaces it participates in. Register them with Store.Use; the priority
// constants below give a sensible default order.
package middleware

// Default priorities. Lower values run first.
const (
	PriorityTiming       = -1000
	PriorityValidation   = -500
	PriorityLogging      = 0
	PriorityPersistence  = 100
	PriorityNotification = 200
	PriorityActivity     = 300
)
