package errors_test

import (
	"encoding/json"
	"fmt"

	"github.com/mcncl/http-audit/internal/errors"
)

func ExampleToErrorResponse() {
	err := errors.Wrap(errors.NewBodyTooLargeError(1024), "buffering request body")

	if errors.IsBodyTooLarge(err) {
		resp := errors.ToErrorResponse(err)
		details, _ := json.Marshal(resp.Details)
		fmt.Println(resp.ErrorType, string(details))
	}
	// Output:
	// body_too_large {"limit_bytes":1024}
}
