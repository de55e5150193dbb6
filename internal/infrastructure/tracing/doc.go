/*
Package tracing provides lightweight request tracing for the host API.

Every API request runs inside a span; module runs open a child span so a
slow or failed run can be tied back to the request that started it. Trace
context is carried in the X-Trace-ID and X-Span-ID headers and echoed on the
response.

Finished spans are handed to a buffered collector goroutine and logged with
zap. A full buffer drops spans rather than blocking the request.

# Usage

	tracer := tracing.New("modbridge", logger.Component("trace"))
	defer tracer.Close()
	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(c.Request.Context(), "module.run")
	defer func() { span.Finish(); tracer.Submit(span) }()
*/
package tracing
