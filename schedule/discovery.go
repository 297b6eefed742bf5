package schedule

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// DefaultBackendSelector matches the backend pods of a deployment.
const DefaultBackendSelector = "tier=backend"

// Discovery lists the backend hosts ("host:port") the orchestrator polls.
type Discovery interface {
	Backends(ctx context.Context) ([]string, error)
}

// StaticBackends is a fixed list, e.g. from BACKENDS.
type StaticBackends []string

func (b StaticBackends) Backends(context.Context) ([]string, error) {
	return b, nil
}

// PodDiscovery finds running backend pods through the Kubernetes API.
type PodDiscovery struct {
	clientset kubernetes.Interface
	namespace string
	selector  string
	port      int
}

// NewPodDiscovery lists pods matching selector in namespace ("" for all
// namespaces) and addresses each at port.
func NewPodDiscovery(clientset kubernetes.Interface, namespace, selector string, port int) *PodDiscovery {
	if selector == "" {
		selector = DefaultBackendSelector
	}
	return &PodDiscovery{
		clientset: clientset,
		namespace: namespace,
		selector:  selector,
		port:      port,
	}
}

// InClusterClientset connects with the pod's service account.
func InClusterClientset() (kubernetes.Interface, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("in cluster config: %w", err)
	}
	return kubernetes.NewForConfig(config)
}

func (d *PodDiscovery) Backends(ctx context.Context) ([]string, error) {
	pods, err := d.clientset.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{LabelSelector: d.selector})
	if err != nil {
		return nil, fmt.Errorf("list backend pods: %w", err)
	}
	hosts := make([]string, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		if pod.Status.Phase != corev1.PodRunning || pod.DeletionTimestamp != nil {
			continue
		}
		if host := podHost(pod); host != "" {
			hosts = append(hosts, net.JoinHostPort(host, strconv.Itoa(d.port)))
		}
	}
	sort.Strings(hosts)
	return hosts, nil
}

// podHost prefers the stable name a headless service gives statefulset
// members (vc-backend-0.ws-backend-service) over the pod ip.
func podHost(pod *corev1.Pod) string {
	if pod.Spec.Hostname != "" && pod.Spec.Subdomain != "" {
		return pod.Spec.Hostname + "." + pod.Spec.Subdomain
	}
	return pod.Status.PodIP
}
