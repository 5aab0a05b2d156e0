package cluster

import (
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes/fake"
)

func TestParseSentinelHost(t *testing.T) {
	cases := []struct {
		host      string
		wantKind  string
		wantName  string
		wantNS    string
		wantOK    bool
	}{
		{"job-1.pod.ns.internal.workflow-cluster", "pod", "job-1", "ns", true},
		{"svc-a.svc.ns.internal.workflow-cluster", "svc", "svc-a", "ns", true},
		{"job-1.other.ns.internal.workflow-cluster", "", "", "", false},
		{"job-1.pod.ns.somewhere-else", "", "", "", false},
		{"plain-host", "", "", "", false},
		{"a.b.internal.workflow-cluster", "", "", "", false}, // only 2 labels before suffix
	}

	for _, c := range cases {
		kind, name, ns, ok := parseSentinelHost(c.host)
		if ok != c.wantOK {
			t.Fatalf("parseSentinelHost(%q) ok = %v, want %v", c.host, ok, c.wantOK)
		}
		if !ok {
			continue
		}
		if kind != c.wantKind || name != c.wantName || ns != c.wantNS {
			t.Fatalf("parseSentinelHost(%q) = (%q,%q,%q), want (%q,%q,%q)",
				c.host, kind, name, ns, c.wantKind, c.wantName, c.wantNS)
		}
	}
}

func TestResolveServiceTargetNumericPort(t *testing.T) {
	client := fake.NewSimpleClientset(
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "svc-a", Namespace: "ns"},
			Spec: corev1.ServiceSpec{
				Selector: map[string]string{"app": "worker"},
				Ports: []corev1.ServicePort{
					{Port: 9999, TargetPort: intstr.FromInt(9999)},
				},
			},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "job-1", Namespace: "ns", Labels: map[string]string{"app": "worker"}},
		},
	)
	a := NewForTesting(client, Config{})

	podName, port, err := a.resolveServiceTarget(t.Context(), "svc-a", "ns", "9999")
	if err != nil {
		t.Fatalf("resolveServiceTarget: %v", err)
	}
	if podName != "job-1" || port != 9999 {
		t.Fatalf("got (%q, %d), want (job-1, 9999)", podName, port)
	}
}

func TestResolveServiceTargetNamedPort(t *testing.T) {
	client := fake.NewSimpleClientset(
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "svc-a", Namespace: "ns"},
			Spec: corev1.ServiceSpec{
				Selector: map[string]string{"app": "worker"},
				Ports: []corev1.ServicePort{
					{Name: "store", Port: 80, TargetPort: intstr.FromString("store-port")},
				},
			},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "job-1", Namespace: "ns", Labels: map[string]string{"app": "worker"}},
			Spec: corev1.PodSpec{
				Containers: []corev1.Container{
					{Name: "worker", Ports: []corev1.ContainerPort{{Name: "store-port", ContainerPort: 9999}}},
				},
			},
		},
	)
	a := NewForTesting(client, Config{})

	podName, port, err := a.resolveServiceTarget(t.Context(), "svc-a", "ns", "store")
	if err != nil {
		t.Fatalf("resolveServiceTarget: %v", err)
	}
	if podName != "job-1" || port != 9999 {
		t.Fatalf("got (%q, %d), want (job-1, 9999)", podName, port)
	}
}

func TestResolveServiceTargetNoMatchingPods(t *testing.T) {
	client := fake.NewSimpleClientset(
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "svc-a", Namespace: "ns"},
			Spec: corev1.ServiceSpec{
				Selector: map[string]string{"app": "worker"},
				Ports:    []corev1.ServicePort{{Port: 9999, TargetPort: intstr.FromInt(9999)}},
			},
		},
	)
	a := NewForTesting(client, Config{})

	if _, _, err := a.resolveServiceTarget(t.Context(), "svc-a", "ns", "9999"); err == nil {
		t.Fatal("expected error when no pods match the service selector")
	}
}

func TestResolveServiceTargetUnknownPort(t *testing.T) {
	client := fake.NewSimpleClientset(
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "svc-a", Namespace: "ns"},
			Spec: corev1.ServiceSpec{
				Selector: map[string]string{"app": "worker"},
				Ports:    []corev1.ServicePort{{Port: 9999, TargetPort: intstr.FromInt(9999)}},
			},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "job-1", Namespace: "ns", Labels: map[string]string{"app": "worker"}},
		},
	)
	a := NewForTesting(client, Config{})

	if _, _, err := a.resolveServiceTarget(t.Context(), "svc-a", "ns", "8080"); err == nil {
		t.Fatal("expected error for unknown service port")
	}
}
