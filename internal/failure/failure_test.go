package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageError_Message(t *testing.T) {
	err := Timeout("ingress", "moodle/moodle", errors.New("no hostname after 5 attempts"))
	assert.Equal(t, "stage ingress: Timeout (resource moodle/moodle): no hostname after 5 attempts", err.Error())

	dep := DependencyMissing("database", "vpc id")
	assert.Contains(t, dep.Error(), `"vpc id"`)
	assert.Equal(t, KindDependencyMissing, dep.Kind)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"stage error keeps kind", fmt.Errorf("wrap: %w", Timeout("dns", "r", nil)), KindTimeout},
		{"context canceled", fmt.Errorf("poll: %w", context.Canceled), KindCanceled},
		{"plain error", errors.New("boom"), KindExternalAPI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := Classify("cluster", tt.err)
			require.NotNil(t, se)
			assert.Equal(t, tt.want, se.Kind)
			assert.NotEmpty(t, se.Stage)
		})
	}

	assert.Nil(t, Classify("cluster", nil))
}

func TestClassify_DoesNotMutate(t *testing.T) {
	cause := errors.New("no subnets")
	orig := &StageError{Kind: KindDependencyMissing, ResourceID: "subnets", Err: cause}

	se := Classify("database", fmt.Errorf("lookup: %w", orig))
	require.NotNil(t, se)
	assert.Equal(t, "database", se.Stage)
	assert.Equal(t, KindDependencyMissing, se.Kind)
	assert.Equal(t, "subnets", se.ResourceID)
	assert.ErrorIs(t, se, cause)
	assert.Empty(t, orig.Stage)

	staged := Timeout("dns", "change-1", nil)
	assert.Same(t, staged, Classify("cluster", staged))
	assert.Equal(t, "dns", staged.Stage)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"throttling", &smithy.GenericAPIError{Code: "Throttling", Fault: smithy.FaultClient}, true},
		{"request limit", fmt.Errorf("create: %w", &smithy.GenericAPIError{Code: "RequestLimitExceeded"}), true},
		{"server fault", &smithy.GenericAPIError{Code: "Whatever", Fault: smithy.FaultServer}, true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied", Fault: smithy.FaultClient}, false},
		{"dependency missing", DependencyMissing("database", "subnets"), false},
		{"timeout", Timeout("cluster", "moodle-eks", errors.New("still CREATING")), false},
		{"external wrapping throttle", External("storage", "fs-1", &smithy.GenericAPIError{Code: "ThrottlingException"}), true},
		{"canceled", context.Canceled, false},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"other", errors.New("invalid parameter"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("outer: %w", DependencyMissing("dns", "hosted zone"))
	assert.True(t, Is(err, KindDependencyMissing))
	assert.False(t, Is(err, KindTimeout))
	assert.Equal(t, Kind(""), KindOf(errors.New("x")))
}
