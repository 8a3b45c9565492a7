package notifier

import (
	"context"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/autopeer-io/chargepeer/internal/chargecontroller/core"
	v1 "github.com/autopeer-io/chargepeer/pkg/apis/control/v1"
)

// Multi publishes every instruction through each of publishers in turn. It
// fails if any of them fails, so a retried publish may repeat on the others.
type Multi []core.Publisher

func (m Multi) Publish(ctx context.Context, in v1.Instruction) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, in); err != nil {
			errs = append(errs, err)
		}
	}
	return utilerrors.NewAggregate(errs)
}
