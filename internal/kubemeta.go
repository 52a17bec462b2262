package internal

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// ContainerInfo identifies the container behind a pod IP.
type ContainerInfo struct {
	Name   string
	Image  string
	PodUId string
}

// PodWatcher periodically lists pods and maintains pod-IP → container
// lookups used to annotate saved records when running in-cluster.
type PodWatcher struct {
	mu            sync.Mutex
	ipToContainer map[string]*ContainerInfo
	podUids       map[string]string // key=pod-uid, value=ns/pod-name
}

func NewPodWatcher() *PodWatcher {
	return &PodWatcher{
		ipToContainer: make(map[string]*ContainerInfo),
		podUids:       make(map[string]string),
	}
}

// ContainerByIP returns the container behind a pod IP, if known.
func (w *PodWatcher) ContainerByIP(ip string) (ContainerInfo, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, ok := w.ipToContainer[ip]
	if !ok {
		return ContainerInfo{}, false
	}
	return *info, true
}

// PodUids returns a clone of the pod-uid → ns/name map.
func (w *PodWatcher) PodUids() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	clone := make(map[string]string, len(w.podUids))
	maps.Copy(clone, w.podUids)
	return clone
}

// Run polls the API server on the given interval until ctx is done. Call
// from its own goroutine; returns immediately on config errors.
func (w *PodWatcher) Run(ctx context.Context, interval time.Duration) error {
	config, err := rest.InClusterConfig()
	if err != nil {
		return fmt.Errorf("InClusterConfig failed: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return fmt.Errorf("NewForConfig failed: %w", err)
	}

	ticker := time.NewTicker(interval)
	var active atomic.Int32

	do := func() {
		active.Store(1)
		defer active.Store(0)

		pods, err := clientset.CoreV1().Pods("").List(ctx, metav1.ListOptions{})
		if err != nil {
			glog.Errorf("List pods failed: %v", err)
			return
		}

		w.mu.Lock()
		defer w.mu.Unlock()
		for _, pod := range pods.Items {
			if pod.Namespace == "kube-system" {
				continue
			}

			for _, container := range pod.Spec.Containers {
				w.ipToContainer[pod.Status.PodIP] = &ContainerInfo{
					Name:   container.Name,
					Image:  container.Image,
					PodUId: string(pod.ObjectMeta.UID),
				}
			}

			w.podUids[string(pod.ObjectMeta.UID)] = fmt.Sprintf("%s/%s", pod.Namespace, pod.Name)
		}
	}

	go do() // first
	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			return nil
		case <-ticker.C:
		}

		if active.Load() == 1 {
			continue
		}

		go do()
	}
}
