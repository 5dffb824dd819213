// Package adapters defines the shared contract source adapters use to hand
// normalized events to the pipeline engine.
package adapters

import (
	"context"

	"github.com/coralix/trustflow/internal/schema"
)

// EmitFunc delivers one normalized event into the pipeline.
type EmitFunc func(ctx context.Context, e *schema.Event) error

// FaultFunc escalates adapter failures to the error handler.
type FaultFunc func(err error, operation string)
