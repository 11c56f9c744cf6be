// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package kube builds the Kubernetes client used by the agent.
package kube

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
)

var logger = loggo.GetLogger("mysql.kube")

var klogOnce sync.Once

// RedirectKlog sends client-go's logging to loggo. It is safe to call
// more than once.
func RedirectKlog() {
	klogOnce.Do(func() {
		klog.SetLogger(logr.New(newKlogSink(logger.Child("klog"))))
	})
}

// NewClient returns a clientset for the cluster the agent runs in, or
// for the cluster named by kubeconfig when it is not empty.
func NewClient(kubeconfig string) (kubernetes.Interface, error) {
	RedirectKlog()
	cfg, err := restConfig(kubeconfig)
	if err != nil {
		return nil, errors.Trace(err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, errors.Annotate(err, "creating kubernetes client")
	}
	return client, nil
}

func restConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
		return cfg, errors.Annotatef(err, "loading kubeconfig %q", kubeconfig)
	}
	cfg, err := rest.InClusterConfig()
	if errors.Is(err, rest.ErrNotInCluster) {
		return nil, errors.NotSupportedf("kubernetes client outside a cluster without kubeconfig")
	}
	return cfg, errors.Annotate(err, "loading in-cluster config")
}
