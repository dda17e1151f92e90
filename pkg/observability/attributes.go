package observability

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// Council semantic convention attributes.
var (
	AttrOperation  = attribute.Key("council.operation")
	AttrProposalID = attribute.Key("council.proposal.id")
	AttrKind       = attribute.Key("council.proposal.kind")
	AttrEmergency  = attribute.Key("council.proposal.emergency")
)

// typed lets callers classify errors without importing their packages.
type typed interface {
	error
	Is(error) bool
}

// ErrorType names err for metric attributes: the concrete type of the
// outermost typed error in its chain, or its own type.
func ErrorType(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if _, ok := e.(typed); ok {
			return fmt.Sprintf("%T", e)
		}
	}
	return fmt.Sprintf("%T", err)
}
