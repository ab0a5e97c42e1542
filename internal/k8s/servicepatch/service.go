// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package servicepatch fixes up the Kubernetes service Juju creates for an
// application so that it exposes the ports the workload really listens
// on.
package servicepatch

import (
	"os"
	"strings"

	"github.com/juju/errors"
	core "k8s.io/api/core/v1"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

const (
	// NamespaceFile holds the namespace of the pod in every container
	// with a mounted service account.
	NamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

	// LabelName labels and selects the pods of the application.
	LabelName = "app.kubernetes.io/name"
)

// ErrPatchFailed is returned when the service cannot be patched.
const ErrPatchFailed = errors.ConstError("kubernetes service patch failed")

// ReadNamespace returns the namespace stored in path, usually
// NamespaceFile.
func ReadNamespace(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Annotate(err, "reading namespace")
	}
	ns := strings.TrimSpace(string(data))
	if ns == "" {
		return "", errors.NotValidf("empty namespace in %q", path)
	}
	return ns, nil
}

// Port is a port exposed by the service.
type Port struct {
	Name       string
	Port       int32
	TargetPort int32
	Protocol   core.Protocol
}

// ServicePort returns the Kubernetes form of the port. A zero target
// port targets Port.
func (p Port) ServicePort() core.ServicePort {
	target := p.TargetPort
	if target == 0 {
		target = p.Port
	}
	return core.ServicePort{
		Name:       p.Name,
		Port:       p.Port,
		TargetPort: intstr.FromInt32(target),
		Protocol:   p.Protocol,
	}
}

// ServiceSpec describes the desired service of an application.
type ServiceSpec struct {
	AppName   string
	Namespace string

	// Name defaults to AppName.
	Name string

	// Type defaults to ClusterIP.
	Type core.ServiceType

	Ports []Port

	// Labels and Selectors are merged over the application name label.
	Labels      map[string]string
	Selectors   map[string]string
	Annotations map[string]string
}

// Validate checks the spec.
func (s ServiceSpec) Validate() error {
	if s.AppName == "" {
		return errors.NotValidf("empty application name")
	}
	if s.Namespace == "" {
		return errors.NotValidf("empty namespace")
	}
	switch s.Type {
	case "", core.ServiceTypeClusterIP, core.ServiceTypeLoadBalancer:
	default:
		return errors.NotValidf("service type %q", s.Type)
	}
	for _, p := range s.Ports {
		if p.Port <= 0 || p.Port > 65535 {
			return errors.NotValidf("port %d", p.Port)
		}
	}
	return nil
}

func mergeLabels(app string, extra map[string]string) map[string]string {
	out := map[string]string{LabelName: app}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// NewService returns the service described by spec.
func NewService(spec ServiceSpec) *core.Service {
	name := spec.Name
	if name == "" {
		name = spec.AppName
	}
	serviceType := spec.Type
	if serviceType == "" {
		serviceType = core.ServiceTypeClusterIP
	}
	ports := make([]core.ServicePort, len(spec.Ports))
	for i, p := range spec.Ports {
		ports[i] = p.ServicePort()
	}
	return &core.Service{
		TypeMeta: meta.TypeMeta{
			APIVersion: "v1",
			Kind:       "Service",
		},
		ObjectMeta: meta.ObjectMeta{
			Name:        name,
			Namespace:   spec.Namespace,
			Labels:      mergeLabels(spec.AppName, spec.Labels),
			Annotations: spec.Annotations,
		},
		Spec: core.ServiceSpec{
			Selector: mergeLabels(spec.AppName, spec.Selectors),
			Ports:    ports,
			Type:     serviceType,
		},
	}
}
