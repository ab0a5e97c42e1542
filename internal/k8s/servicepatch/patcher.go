// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package servicepatch

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"
	core "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	corev1 "k8s.io/client-go/kubernetes/typed/core/v1"

	"github.com/juju/relationlibs/core/event"
	"github.com/juju/relationlibs/internal/logger"
)

// Config holds the collaborators of a Patcher.
type Config struct {
	Client  kubernetes.Interface
	Service ServiceSpec
	Logger  logger.Logger
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Client == nil {
		return errors.NotValidf("nil Client")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return errors.Trace(c.Service.Validate())
}

// Patcher keeps the application service in the desired shape.
type Patcher struct {
	client    kubernetes.Interface
	logger    logger.Logger
	app       string
	namespace string
	service   *core.Service
}

// NewPatcher returns a patcher for cfg.
func NewPatcher(cfg Config) (*Patcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Patcher{
		client:    cfg.Client,
		logger:    cfg.Logger,
		app:       cfg.Service.AppName,
		namespace: cfg.Service.Namespace,
		service:   NewService(cfg.Service),
	}, nil
}

// Service returns the desired service.
func (p *Patcher) Service() *core.Service {
	return p.service.DeepCopy()
}

// Register patches the service on install, upgrade and any extra event
// kind given.
func (p *Patcher) Register(d *event.Dispatcher, refresh ...event.Kind) {
	kinds := append([]event.Kind{event.Install, event.UpgradeCharm}, refresh...)
	for _, kind := range kinds {
		d.Observe(kind, "", p.onPatch)
	}
}

func (p *Patcher) onPatch(ctx context.Context, _ event.Event) error {
	if err := p.Patch(ctx); err != nil {
		p.logger.Errorf(ctx, "%v", err)
	}
	return nil
}

func (p *Patcher) services() corev1.ServiceInterface {
	return p.client.CoreV1().Services(p.namespace)
}

func patchError(err error) error {
	if k8serrors.IsForbidden(err) {
		return errors.Annotatef(ErrPatchFailed, "no permission, run `juju trust` on this application")
	}
	return errors.Annotatef(ErrPatchFailed, "%v", err)
}

// IsPatched reports whether the live service exposes the desired
// (port, target port) pairs in order.
func (p *Patcher) IsPatched(ctx context.Context) (bool, error) {
	live, err := p.services().Get(ctx, p.service.Name, meta.GetOptions{})
	if k8serrors.IsNotFound(err) && p.service.Name != p.app {
		return false, nil
	} else if err != nil {
		return false, errors.Annotatef(err, "getting service %q", p.service.Name)
	}
	want, got := p.service.Spec.Ports, live.Spec.Ports
	if len(want) != len(got) {
		return false, nil
	}
	for i := range want {
		if want[i].Port != got[i].Port || want[i].TargetPort != got[i].TargetPort {
			return false, nil
		}
	}
	return true, nil
}

// Patch merge-patches the live service to the desired spec. When the
// desired name differs from the application, the Juju service is first
// recreated under that name.
func (p *Patcher) Patch(ctx context.Context) error {
	patched, err := p.IsPatched(ctx)
	if err != nil {
		return patchError(err)
	}
	if patched {
		return nil
	}
	if p.service.Name != p.app {
		if err := p.recreateAs(ctx, p.service.Name); err != nil {
			return patchError(err)
		}
	}
	body, err := json.Marshal(p.service)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := p.services().Patch(ctx, p.service.Name, types.MergePatchType, body, meta.PatchOptions{}); err != nil {
		return patchError(err)
	}
	p.logger.Infof(ctx, "kubernetes service %q patched successfully", p.service.Name)
	return nil
}

func (p *Patcher) recreateAs(ctx context.Context, name string) error {
	api := p.services()
	svc, err := api.Get(ctx, p.app, meta.GetOptions{})
	if err != nil {
		return errors.Trace(err)
	}
	svc.Name = name
	svc.ResourceVersion = ""
	svc.UID = ""
	if err := api.Delete(ctx, p.app, meta.DeleteOptions{}); err != nil {
		return errors.Trace(err)
	}
	_, err = api.Create(ctx, svc, meta.CreateOptions{})
	return errors.Trace(err)
}

// SetPorts replaces the ports of the application service by deleting it
// and creating it again with just the application name label.
func (p *Patcher) SetPorts(ctx context.Context, ports []Port) error {
	api := p.services()
	if _, err := api.List(ctx, meta.ListOptions{}); err != nil {
		return patchError(err)
	}
	svc := NewService(ServiceSpec{
		AppName:   p.app,
		Namespace: p.namespace,
		Ports:     ports,
	})
	if err := api.Delete(ctx, p.app, meta.DeleteOptions{}); err != nil && !k8serrors.IsNotFound(err) {
		return patchError(err)
	}
	if _, err := api.Create(ctx, svc, meta.CreateOptions{}); err != nil {
		return patchError(err)
	}
	return nil
}
