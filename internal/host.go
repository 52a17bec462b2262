package internal

import (
	"context"
	"fmt"
	"os"
	"strings"
)

func IsK8s() bool {
	_, exists := os.LookupEnv("KUBERNETES_SERVICE_HOST")
	return exists
}

// FindLibSSL locates libssl under the given root (empty for the host).
func FindLibSSL(root string) (string, error) {
	possiblePaths := []string{
		"/lib/x86_64-linux-gnu/libssl.so.1.1",
		"/usr/lib/x86_64-linux-gnu/libssl.so.1.1",
		"/lib/x86_64-linux-gnu/libssl.so.3", // for OpenSSL 3.x
		"/usr/lib/x86_64-linux-gnu/libssl.so.3",
		"/usr/local/lib/libssl.so", // custom installations
		"/lib64/libssl.so",         // RHEL/CentOS
	}

	for _, p := range possiblePaths {
		if _, err := os.Stat(root + p); err == nil {
			return root + p, nil
		}
	}

	return "", fmt.Errorf("libssl.so not found")
}

// FindCgroupPath returns the cgroup2 mount point.
func FindCgroupPath() (string, error) {
	candidates := []string{
		"/sys/fs/cgroup",
		"/sys/fs/cgroup/unified",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p + "/cgroup.controllers"); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("cgroup2 mount not found")
}

// ChildCtx derives a cancellable child context tied to the parent.
func ChildCtx(ctx context.Context) context.Context {
	child, cancel := context.WithCancel(context.Background())
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return child
}

// Uname returns a short host identification string.
func Uname() string {
	host, _ := os.Hostname()
	var rel string
	if b, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
		rel = strings.TrimSpace(string(b))
	}
	return fmt.Sprintf("%s %s", host, rel)
}
