// Package pipeline runs an ordered list of stages over one execution
// context.
//
// Stages run strictly in order. A stage that sets a response ends the
// run early; a stage that returns an error (or panics) has the error
// recorded as a diagnostic and converted into a structured error
// response, which also ends the run. There is no other control flow:
// stages never skip ahead or repeat.
//
//	runner := pipeline.NewRunner([]pipeline.Stage{parse, plan, execute},
//		pipeline.WithTracer(tel.Tracer("promptd/pipeline")))
//	resp := runner.Run(ctx, pipeline.NewExecutionContext(req))
package pipeline
