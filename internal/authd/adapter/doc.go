// Package adapter contains implementations of interfaces defined in app.
// Redis, DynamoDB, SNS/Twilio, and AWS key-store adapters live here.
package adapter

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("authd/adapter")
