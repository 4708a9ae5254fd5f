// Package request carries the per-request trace identity.
//
// It includes:
//   - RequestContext, the request id / correlation id / operation name triple
//   - Generator, which derives a RequestContext from inbound headers
//   - NewContext and FromContext for explicit propagation through context.Context
//   - WithTimeout, a per-request deadline middleware
//
// Identifiers never live in package-level state; concurrent requests only ever see
// the RequestContext stored in their own context.
//
// Example usage:
//
//	gen := request.NewGenerator()
//	rc := gen.Generate(r.Header)
//	ctx := request.NewContext(r.Context(), rc)
package request
