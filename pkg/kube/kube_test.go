package kube

import (
	"context"
	"errors"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/version"
	fakediscovery "k8s.io/client-go/discovery/fake"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func node(name string, ready bool) *corev1.Node {
	status := corev1.ConditionFalse
	if ready {
		status = corev1.ConditionTrue
	}
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status: corev1.NodeStatus{
			Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: status}},
			Addresses:  []corev1.NodeAddress{{Type: corev1.NodeInternalIP, Address: "10.0.0.1"}},
			NodeInfo:   corev1.NodeSystemInfo{OSImage: "Ubuntu 24.04", KernelVersion: "6.8.0"},
		},
	}
}

func pod(name, nodeName, cpu, memory string) *corev1.Pod {
	p := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec: corev1.PodSpec{
			NodeName:   nodeName,
			Containers: []corev1.Container{{Name: "app"}},
		},
	}
	if cpu != "" {
		p.Spec.Containers[0].Resources = corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse(cpu),
				corev1.ResourceMemory: resource.MustParse(memory),
			},
			Limits: corev1.ResourceList{
				corev1.ResourceMemory: resource.MustParse(memory),
			},
		}
	}
	return p
}

func newFakeClientset(objects ...runtime.Object) *fake.Clientset {
	cs := fake.NewClientset(objects...)
	cs.Discovery().(*fakediscovery.FakeDiscovery).FakedServerVersion = &version.Info{GitVersion: "v1.30.2"}
	return cs
}

func TestClient_Status(t *testing.T) {
	cs := newFakeClientset(
		node("node-1", true),
		node("node-2", false),
		pod("web-1", "node-1", "250m", "128Mi"),
		pod("web-2", "node-1", "500m", "128Mi"),
		pod("pending", "", "", ""),
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "kube-system"}},
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "default"}},
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{
			Name:        "dashboard",
			Namespace:   "kube-system",
			Annotations: map[string]string{"clusterforge/name": "Dashboard", "clusterforge/icon": "dash.png", "other": "x"},
		}},
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "kubernetes", Namespace: "default"}},
		&appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "default"}},
		&corev1.PersistentVolume{
			ObjectMeta: metav1.ObjectMeta{Name: "pv-1"},
			Spec: corev1.PersistentVolumeSpec{
				Capacity: corev1.ResourceList{corev1.ResourceStorage: resource.MustParse("10Gi")},
				ClaimRef: &corev1.ObjectReference{Namespace: "default", Name: "data"},
			},
			Status: corev1.PersistentVolumeStatus{Phase: corev1.VolumeBound},
		},
		&corev1.PersistentVolumeClaim{
			ObjectMeta: metav1.ObjectMeta{Name: "data", Namespace: "default"},
			Spec:       corev1.PersistentVolumeClaimSpec{VolumeName: "pv-1"},
			Status:     corev1.PersistentVolumeClaimStatus{Phase: corev1.ClaimBound},
		},
	)

	st, err := NewClient(cs).Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if st.Version != "v1.30.2" {
		t.Errorf("Version = %s", st.Version)
	}

	if len(st.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(st.Nodes))
	}
	for _, n := range st.Nodes {
		if want := n.Name == "node-1"; n.Ready != want {
			t.Errorf("node %s ready = %v", n.Name, n.Ready)
		}
		if n.Addresses["InternalIP"] != "10.0.0.1" || n.OSImage != "Ubuntu 24.04" {
			t.Errorf("node %s = %+v", n.Name, n)
		}
	}

	wantPods := map[string]int{"node-1": 2, "node-2": 0, UnknownNode: 1}
	for k, want := range wantPods {
		if st.PodsByNode[k] != want {
			t.Errorf("PodsByNode[%s] = %d, want %d", k, st.PodsByNode[k], want)
		}
	}

	res := st.ResourcesByNode["node-1"]
	if res.Requests.CPU != 0.75 {
		t.Errorf("requested cpu = %v, want 0.75", res.Requests.CPU)
	}
	if res.Requests.Memory != 256*1024*1024 || res.Limits.Memory != 256*1024*1024 {
		t.Errorf("memory = %+v", res)
	}
	if res.Limits.CPU != 0 {
		t.Errorf("limited cpu = %v, want 0", res.Limits.CPU)
	}

	if len(st.Namespaces) != 2 || st.Namespaces[0] != "default" {
		t.Errorf("Namespaces = %v", st.Namespaces)
	}
	if st.Services != 2 || st.Deployments != 1 {
		t.Errorf("Services = %d, Deployments = %d", st.Services, st.Deployments)
	}
	if len(st.Addons) != 1 || st.Addons[0]["name"] != "Dashboard" || len(st.Addons[0]) != 2 {
		t.Errorf("Addons = %v", st.Addons)
	}
	if len(st.PersistentVolumes) != 1 || st.PersistentVolumes[0].Claim != "default/data" || st.PersistentVolumes[0].Capacity != "10Gi" {
		t.Errorf("PersistentVolumes = %+v", st.PersistentVolumes)
	}
	if len(st.PersistentVolumeClaims) != 1 || st.PersistentVolumeClaims[0].Volume != "pv-1" {
		t.Errorf("PersistentVolumeClaims = %+v", st.PersistentVolumeClaims)
	}
}

func TestClient_StatusError(t *testing.T) {
	cs := newFakeClientset()
	cs.PrependReactor("list", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("apiserver unavailable")
	})

	if _, err := NewClient(cs).Status(context.Background()); err == nil {
		t.Fatal("expected Status() to fail")
	}
}

func TestFromKubeconfig(t *testing.T) {
	tests := []struct {
		name       string
		kubeconfig map[string]any
		wantErr    bool
	}{
		{name: "empty", kubeconfig: nil, wantErr: true},
		{name: "no clusters", kubeconfig: map[string]any{"apiVersion": "v1", "kind": "Config"}, wantErr: true},
		{
			name: "valid",
			kubeconfig: map[string]any{
				"apiVersion":      "v1",
				"kind":            "Config",
				"current-context": "demo",
				"clusters":        []any{map[string]any{"name": "demo", "cluster": map[string]any{"server": "https://10.0.0.1:6443"}}},
				"users":           []any{map[string]any{"name": "admin", "user": map[string]any{"token": "abc"}}},
				"contexts":        []any{map[string]any{"name": "demo", "context": map[string]any{"cluster": "demo", "user": "admin"}}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := FromKubeconfig(tt.kubeconfig)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromKubeconfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && c == nil {
				t.Fatal("expected a client")
			}
		})
	}

	if _, err := FromKubeconfig(nil); !errors.Is(err, ErrNoKubeconfig) {
		t.Errorf("FromKubeconfig(nil) = %v, want ErrNoKubeconfig", err)
	}
}

func TestExtractAddon(t *testing.T) {
	if got := extractAddon(map[string]string{"app": "x"}); got != nil {
		t.Errorf("extractAddon() = %v, want nil", got)
	}
	got := extractAddon(map[string]string{"clusterforge/link": "http://x"})
	if got["link"] != "http://x" {
		t.Errorf("extractAddon() = %v", got)
	}
}
