package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func ok(context.Context) error   { return nil }
func fail(context.Context) error { return errors.New("down") }

func TestCheck_Status(t *testing.T) {
	ctx := context.Background()

	s := NewHealthService(Deps{Checks: []Check{{Name: "db", Critical: true, Run: ok}, {Name: "cache", Run: ok}}})
	assert.Equal(t, "ready", s.Check(ctx).Status)

	s = NewHealthService(Deps{Checks: []Check{{Name: "db", Critical: true, Run: ok}, {Name: "cache", Run: fail}}})
	res := s.Check(ctx)
	assert.Equal(t, "degraded", res.Status)
	assert.Equal(t, "error", res.Components["cache"].Status)

	s = NewHealthService(Deps{Checks: []Check{{Name: "db", Critical: true, Run: fail}, {Name: "smtp"}}})
	res = s.Check(ctx)
	assert.Equal(t, "unavailable", res.Status)
	assert.Equal(t, "disabled", res.Components["smtp"].Status)
}
