package kube

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/artpar/promoter/internal/core/domain"
	"github.com/stretchr/testify/assert"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

func TestClassify(t *testing.T) {
	gr := schema.GroupResource{Group: "apps", Resource: "deployments"}

	tests := []struct {
		name string
		err  error
		want domain.ErrorKind
	}{
		{"nil", nil, ""},
		{"rollout timeout", NewKubeError("WaitForRollout", "Deployment", "apps", "web", "slow", ErrRolloutTimeout), domain.ErrorKindRolloutTimeout},
		{"unauthorized", apierrors.NewUnauthorized("token expired"), domain.ErrorKindAuth},
		{"forbidden", apierrors.NewForbidden(gr, "web", errors.New("rbac")), domain.ErrorKindAuth},
		{"wrapped forbidden", fmt.Errorf("apply: %w", apierrors.NewForbidden(gr, "web", errors.New("rbac"))), domain.ErrorKindAuth},
		{"unavailable", apierrors.NewServiceUnavailable("down"), domain.ErrorKindTransient},
		{"too many requests", apierrors.NewTooManyRequests("slow down", 1), domain.ErrorKindTransient},
		{"conflict", apierrors.NewConflict(gr, "web", errors.New("modified")), domain.ErrorKindTransient},
		{"deadline", context.DeadlineExceeded, domain.ErrorKindTransient},
		{"cancelled", context.Canceled, domain.ErrorKindPermanent},
		{"invalid", apierrors.NewBadRequest("bad"), domain.ErrorKindPermanent},
		{"not found", NewKubeError("SetImage", "Deployment", "apps", "web", "not found", ErrWorkloadNotFound), domain.ErrorKindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestKubeError_Error(t *testing.T) {
	err := NewKubeError("SetImage", "Deployment", "apps", "web", "not found", ErrWorkloadNotFound)
	assert.Equal(t, "SetImage Deployment apps/web: not found", err.Error())
	assert.ErrorIs(t, err, ErrWorkloadNotFound)

	err = NewKubeError("ParseManifest", "", "", "", "no objects found", ErrEmptyManifest)
	assert.Equal(t, "ParseManifest: no objects found", err.Error())
}
