package cluster

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"

	"github.com/coreplatform/workflow-orchestrator/internal/apierrors"
)

// sentinelSuffix is the DNS suffix that marks a hostname as an
// in-cluster port-forward target. Hostnames of the form
// "<name>.pod.<namespace>.<sentinelSuffix>" or
// "<name>.svc.<namespace>.<sentinelSuffix>" are redirected through the
// port-forward API; every other hostname resolves normally.
const sentinelSuffix = "internal.workflow-cluster"

const (
	portForwardRetries    = 5
	portForwardRetryDelay = 2 * time.Second
	storeResultTimeout    = 30 * time.Second
)

// PortForwardPost tunnels an HTTP POST to a pod's port via the
// cluster's port-forward API and returns the response status code.
// Only attempts that get no response are retried, up to five attempts
// with a constant delay; the first response received ends the loop and
// its status is returned as is, whatever its value. If every attempt
// fails, the last error is returned, classified.
func (a *Adapter) PortForwardPost(ctx context.Context, podName, namespace string, port int, body []byte) (int, error) {
	client := &http.Client{
		Transport: &http.Transport{DialContext: a.dialContext},
		Timeout:   storeResultTimeout,
	}
	url := fmt.Sprintf("http://%s.pod.%s.%s:%d/store", podName, namespace, sentinelSuffix, port)

	var lastErr error
	for attempt := 0; attempt < portForwardRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(portForwardRetryDelay)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return 0, fmt.Errorf("port_forward_post: building request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		return resp.StatusCode, nil
	}

	return 0, apierrors.Classify("port_forward_post", lastErr)
}

// dialContext is the custom dial routine: hostnames matching the
// sentinel pattern are redirected through the cluster's port-forward
// API; everything else resolves normally. This is the "no
// monkey-patching" transport referenced in the REDESIGN FLAGS.
func (a *Adapter) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	kind, name, namespace, ok := parseSentinelHost(host)
	if !ok {
		return (&net.Dialer{}).DialContext(ctx, network, addr)
	}

	switch kind {
	case "pod":
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: invalid port %q", addr, portStr)
		}
		return a.dialPodPort(ctx, name, namespace, port)
	case "svc":
		podName, targetPort, err := a.resolveServiceTarget(ctx, name, namespace, portStr)
		if err != nil {
			return nil, err
		}
		return a.dialPodPort(ctx, podName, namespace, targetPort)
	default:
		return nil, fmt.Errorf("dial %s: unrecognized sentinel kind %q", addr, kind)
	}
}

// parseSentinelHost recognizes "<name>.pod.<namespace>.<sentinelSuffix>"
// and "<name>.svc.<namespace>.<sentinelSuffix>".
func parseSentinelHost(host string) (kind, name, namespace string, ok bool) {
	suffix := "." + sentinelSuffix
	if !strings.HasSuffix(host, suffix) {
		return "", "", "", false
	}

	prefix := strings.TrimSuffix(host, suffix)
	parts := strings.Split(prefix, ".")
	if len(parts) != 3 {
		return "", "", "", false
	}

	name, kind, namespace = parts[0], parts[1], parts[2]
	if kind != "pod" && kind != "svc" {
		return "", "", "", false
	}

	return kind, name, namespace, true
}

// resolveServiceTarget reads the service's selector, lists pods
// matching it, picks the first, and resolves the service's target
// port (mapping named ports via the selected pod's container port
// definitions).
func (a *Adapter) resolveServiceTarget(ctx context.Context, svcName, namespace, portStr string) (podName string, targetPort int, err error) {
	svc, err := a.client.CoreV1().Services(namespace).Get(ctx, svcName, metav1.GetOptions{})
	if err != nil {
		return "", 0, apierrors.Classify("resolve_service", err)
	}

	pods, err := a.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(svc.Spec.Selector).String(),
	})
	if err != nil {
		return "", 0, apierrors.Classify("resolve_service", err)
	}
	if len(pods.Items) == 0 {
		return "", 0, fmt.Errorf("resolve_service: no pods match service %s/%s selector", namespace, svcName)
	}
	pod := pods.Items[0]

	var svcPort *corev1.ServicePort
	for i := range svc.Spec.Ports {
		p := &svc.Spec.Ports[i]
		if strconv.Itoa(int(p.Port)) == portStr || p.Name == portStr {
			svcPort = p
			break
		}
	}
	if svcPort == nil {
		return "", 0, fmt.Errorf("resolve_service: service %s/%s has no port %q", namespace, svcName, portStr)
	}

	if svcPort.TargetPort.Type == 0 && svcPort.TargetPort.IntVal != 0 {
		return pod.Name, int(svcPort.TargetPort.IntVal), nil
	}
	if svcPort.TargetPort.StrVal != "" {
		for _, c := range pod.Spec.Containers {
			for _, cp := range c.Ports {
				if cp.Name == svcPort.TargetPort.StrVal {
					return pod.Name, int(cp.ContainerPort), nil
				}
			}
		}
		return "", 0, fmt.Errorf("resolve_service: no container port named %q on pod %s", svcPort.TargetPort.StrVal, pod.Name)
	}

	return pod.Name, int(svcPort.Port), nil
}

// dialPodPort opens a local tunnel to the named pod's port via the
// cluster's port-forward subresource and returns a net.Conn into it.
// The underlying PortForwarder session is torn down when the
// returned connection is closed.
func (a *Adapter) dialPodPort(ctx context.Context, podName, namespace string, port int) (net.Conn, error) {
	reqURL := a.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(podName).
		SubResource("portforward").
		URL()

	roundTripper, upgrader, err := spdy.RoundTripperFor(a.restConfig)
	if err != nil {
		return nil, fmt.Errorf("dial_pod_port: building spdy round tripper: %w", err)
	}

	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: roundTripper}, http.MethodPost, reqURL)

	stopCh := make(chan struct{})
	readyCh := make(chan struct{})
	errCh := make(chan error, 1)

	fw, err := portforward.New(dialer, []string{fmt.Sprintf("0:%d", port)}, stopCh, readyCh, io.Discard, io.Discard)
	if err != nil {
		close(stopCh)
		return nil, fmt.Errorf("dial_pod_port: %w", err)
	}

	go func() { errCh <- fw.ForwardPorts() }()

	select {
	case <-readyCh:
	case err := <-errCh:
		return nil, fmt.Errorf("dial_pod_port: forwarding %s/%s:%d: %w", namespace, podName, port, err)
	case <-ctx.Done():
		close(stopCh)
		return nil, ctx.Err()
	}

	ports, err := fw.GetPorts()
	if err != nil {
		close(stopCh)
		return nil, fmt.Errorf("dial_pod_port: %w", err)
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", ports[0].Local))
	if err != nil {
		close(stopCh)
		return nil, err
	}

	return &tunnelConn{Conn: conn, stop: stopCh}, nil
}

// tunnelConn closes the backing PortForwarder session exactly once
// when the HTTP round trip is done with the connection.
type tunnelConn struct {
	net.Conn
	stop     chan struct{}
	closeOne sync.Once
}

func (c *tunnelConn) Close() error {
	err := c.Conn.Close()
	c.closeOne.Do(func() { close(c.stop) })
	return err
}
