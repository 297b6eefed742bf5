package schedule

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func backendPod(name, namespace string, labels map[string]string, phase corev1.PodPhase, ip string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: labels},
		Status:     corev1.PodStatus{Phase: phase, PodIP: ip},
	}
}

func TestPodDiscovery(t *testing.T) {
	backend := map[string]string{"tier": "backend"}

	stable := backendPod("vc-backend-0", "default", backend, corev1.PodRunning, "10.0.0.5")
	stable.Spec.Hostname = "vc-backend-0"
	stable.Spec.Subdomain = "ws-backend-service"
	terminating := backendPod("old", "default", backend, corev1.PodRunning, "10.0.0.9")
	terminating.DeletionTimestamp = &metav1.Time{}

	clientset := fake.NewSimpleClientset(
		stable,
		backendPod("by-ip", "default", backend, corev1.PodRunning, "10.0.0.6"),
		backendPod("no-ip", "default", backend, corev1.PodRunning, ""),
		backendPod("pending", "default", backend, corev1.PodPending, "10.0.0.7"),
		backendPod("redis", "default", map[string]string{"tier": "cache"}, corev1.PodRunning, "10.0.0.8"),
		backendPod("elsewhere", "staging", backend, corev1.PodRunning, "10.1.0.1"),
		terminating,
	)

	hosts, err := NewPodDiscovery(clientset, "default", "", 8080).Backends(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.6:8080", "vc-backend-0.ws-backend-service:8080"}, hosts)

	hosts, err = NewPodDiscovery(clientset, "", DefaultBackendSelector, 9000).Backends(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.6:9000", "10.1.0.1:9000", "vc-backend-0.ws-backend-service:9000"}, hosts)
}

func TestOrchestratorDiscoversPods(t *testing.T) {
	b := newTestBackend(t)
	sess := createSession(t, b.http.URL)
	_, err := b.srv.GetRoom(context.Background(), sess.ID)
	require.NoError(t, err)

	ip, portStr, err := net.SplitHostPort(b.host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	clientset := fake.NewSimpleClientset(
		backendPod("vc-backend-0", "default", map[string]string{"tier": "backend"}, corev1.PodRunning, ip),
	)

	reg, err := NewStorageBackend(StorageBackendMem, nil)
	require.NoError(t, err)
	o := NewOrchestrator(nil, reg, NewPodDiscovery(clientset, "default", "", port), "", SchedulingStrategyBalance, zaptest.NewLogger(t))
	info, err := o.UpdateBackendInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[Backend]ServerLoad{Backend(b.host): 1}, info.Backends)

	host, err := reg.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, b.host, host)
}

func TestOrchestratorDiscoveryFailure(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	clientset.PrependReactor("list", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("forbidden")
	})

	reg, err := NewStorageBackend(StorageBackendMem, nil)
	require.NoError(t, err)
	o := NewOrchestrator(nil, reg, NewPodDiscovery(clientset, "", "", 8080), "", SchedulingStrategyBalance, zaptest.NewLogger(t))
	_, err = o.UpdateBackendInfo(context.Background())
	assert.ErrorContains(t, err, "forbidden")
}
