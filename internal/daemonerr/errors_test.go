package daemonerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_ClassifiesConstructedErrors(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{NotAuthenticated("no session"), KindNotAuthenticated},
		{InvalidState("bad state"), KindInvalidState},
		{IO("read", errors.New("disk full")), KindIO},
		{CatalogError("reserve", errors.New("locked")), KindCatalogError},
		{TransportError("dial", errors.New("refused")), KindTransportError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, KindOf(c.err))
	}
}

func TestKindOf_UnknownForPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestError_UnwrapsCause(t *testing.T) {
	cause := errors.New("underlying")
	err := IO("read source", cause)
	assert.True(t, errors.Is(err, cause))
}

func TestError_MessageIncludesKindAndCause(t *testing.T) {
	err := CatalogError("reserve next", errors.New("db locked"))
	assert.Equal(t, fmt.Sprintf("%s: reserve next: db locked", KindCatalogError), err.Error())
}
