// Package kube reads the state of a provisioned cluster through the
// Kubernetes API.
package kube

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// AddonPrefix marks service annotations that describe cluster addons.
const AddonPrefix = "clusterforge/"

// UnknownNode collects pods that are not scheduled on any node.
const UnknownNode = "Unknown"

// ErrNoKubeconfig is returned when a cluster has no stored kubeconfig.
var ErrNoKubeconfig = errors.New("cluster has no kubeconfig")

// Node summarizes one cluster node.
type Node struct {
	Name           string            `json:"name"`
	Addresses      map[string]string `json:"addresses,omitempty"`
	OSImage        string            `json:"os_image,omitempty"`
	KernelVersion  string            `json:"kernel_version,omitempty"`
	KubeletVersion string            `json:"kubelet_version,omitempty"`
	Ready          bool              `json:"ready"`
}

// Resources sums cpu cores and memory bytes.
type Resources struct {
	CPU    float64 `json:"cpu"`
	Memory int64   `json:"memory"`
}

// NodeResources is the resource allocation of the pods on a node.
type NodeResources struct {
	Limits   Resources `json:"limits"`
	Requests Resources `json:"requests"`
}

type Volume struct {
	Name     string `json:"name"`
	Capacity string `json:"capacity,omitempty"`
	Phase    string `json:"phase,omitempty"`
	Claim    string `json:"claim,omitempty"`
}

type Claim struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Phase     string `json:"phase,omitempty"`
	Volume    string `json:"volume,omitempty"`
	Capacity  string `json:"capacity,omitempty"`
}

// Status is the aggregated view of a cluster shown to users.
type Status struct {
	Version                string                   `json:"version"`
	Nodes                  []Node                   `json:"nodes"`
	PodsByNode             map[string]int           `json:"pods_by_node"`
	ResourcesByNode        map[string]NodeResources `json:"resources_by_node"`
	Namespaces             []string                 `json:"namespaces"`
	PersistentVolumes      []Volume                 `json:"persistent_volumes"`
	PersistentVolumeClaims []Claim                  `json:"persistent_volume_claims"`
	Services               int                      `json:"services"`
	Deployments            int                      `json:"deployments"`
	Addons                 []map[string]string      `json:"addons"`
}

// Client reads cluster state through a clientset.
type Client struct {
	cs kubernetes.Interface
}

// NewClient wraps an existing clientset.
func NewClient(cs kubernetes.Interface) *Client {
	return &Client{cs: cs}
}

// FromKubeconfig builds a client from a kubeconfig stored on a cluster.
func FromKubeconfig(kubeconfig map[string]any) (*Client, error) {
	if len(kubeconfig) == 0 {
		return nil, ErrNoKubeconfig
	}

	data, err := yaml.Marshal(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to encode kubeconfig: %w", err)
	}

	restConfig, err := clientcmd.RESTConfigFromKubeConfig(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}

	cs, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return NewClient(cs), nil
}

// Status aggregates the cluster view. Any failing API call fails the whole
// status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	version, err := c.cs.Discovery().ServerVersion()
	if err != nil {
		return nil, fmt.Errorf("failed to read server version: %w", err)
	}

	nodes, err := c.cs.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	pods, err := c.cs.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	st := &Status{
		Version:         version.GitVersion,
		Nodes:           make([]Node, 0, len(nodes.Items)),
		PodsByNode:      map[string]int{UnknownNode: 0},
		ResourcesByNode: map[string]NodeResources{UnknownNode: {}},
		Addons:          []map[string]string{},
	}

	for i := range nodes.Items {
		n := &nodes.Items[i]
		st.Nodes = append(st.Nodes, summarizeNode(n))
		st.PodsByNode[n.Name] = 0
		st.ResourcesByNode[n.Name] = NodeResources{}
	}

	for i := range pods.Items {
		p := &pods.Items[i]
		node := p.Spec.NodeName
		if _, ok := st.PodsByNode[node]; !ok || node == "" {
			node = UnknownNode
		}
		st.PodsByNode[node]++
		st.ResourcesByNode[node] = addPod(st.ResourcesByNode[node], p)
	}

	if st.Namespaces, err = c.namespaces(ctx); err != nil {
		return nil, err
	}
	if st.PersistentVolumes, err = c.volumes(ctx); err != nil {
		return nil, err
	}
	if st.PersistentVolumeClaims, err = c.claims(ctx); err != nil {
		return nil, err
	}

	services, err := c.cs.CoreV1().Services(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	st.Services = len(services.Items)
	for i := range services.Items {
		if addon := extractAddon(services.Items[i].Annotations); addon != nil {
			st.Addons = append(st.Addons, addon)
		}
	}

	deployments, err := c.cs.AppsV1().Deployments(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	st.Deployments = len(deployments.Items)

	return st, nil
}

func summarizeNode(n *corev1.Node) Node {
	out := Node{
		Name:           n.Name,
		Addresses:      map[string]string{},
		OSImage:        n.Status.NodeInfo.OSImage,
		KernelVersion:  n.Status.NodeInfo.KernelVersion,
		KubeletVersion: n.Status.NodeInfo.KubeletVersion,
	}
	for _, a := range n.Status.Addresses {
		out.Addresses[string(a.Type)] = a.Address
	}
	for _, cond := range n.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			out.Ready = cond.Status == corev1.ConditionTrue
		}
	}
	return out
}

// addPod adds the container requests and limits of p to r.
func addPod(r NodeResources, p *corev1.Pod) NodeResources {
	for _, c := range p.Spec.Containers {
		if q, ok := c.Resources.Limits[corev1.ResourceCPU]; ok {
			r.Limits.CPU += float64(q.MilliValue()) / 1000
		}
		if q, ok := c.Resources.Limits[corev1.ResourceMemory]; ok {
			r.Limits.Memory += q.Value()
		}
		if q, ok := c.Resources.Requests[corev1.ResourceCPU]; ok {
			r.Requests.CPU += float64(q.MilliValue()) / 1000
		}
		if q, ok := c.Resources.Requests[corev1.ResourceMemory]; ok {
			r.Requests.Memory += q.Value()
		}
	}
	return r
}

// extractAddon returns the addon annotations with the prefix stripped, or
// nil when the service carries none.
func extractAddon(annotations map[string]string) map[string]string {
	var out map[string]string
	for k, v := range annotations {
		if !strings.HasPrefix(k, AddonPrefix) {
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[strings.TrimPrefix(k, AddonPrefix)] = v
	}
	return out
}

func (c *Client) namespaces(ctx context.Context) ([]string, error) {
	list, err := c.cs.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	out := make([]string, 0, len(list.Items))
	for _, ns := range list.Items {
		out = append(out, ns.Name)
	}
	sort.Strings(out)
	return out, nil
}

func (c *Client) volumes(ctx context.Context) ([]Volume, error) {
	list, err := c.cs.CoreV1().PersistentVolumes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list persistent volumes: %w", err)
	}
	out := make([]Volume, 0, len(list.Items))
	for _, pv := range list.Items {
		v := Volume{Name: pv.Name, Phase: string(pv.Status.Phase)}
		if q, ok := pv.Spec.Capacity[corev1.ResourceStorage]; ok {
			v.Capacity = q.String()
		}
		if ref := pv.Spec.ClaimRef; ref != nil {
			v.Claim = ref.Namespace + "/" + ref.Name
		}
		out = append(out, v)
	}
	return out, nil
}

func (c *Client) claims(ctx context.Context) ([]Claim, error) {
	list, err := c.cs.CoreV1().PersistentVolumeClaims(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list persistent volume claims: %w", err)
	}
	out := make([]Claim, 0, len(list.Items))
	for _, pvc := range list.Items {
		cl := Claim{
			Namespace: pvc.Namespace,
			Name:      pvc.Name,
			Phase:     string(pvc.Status.Phase),
			Volume:    pvc.Spec.VolumeName,
		}
		if q, ok := pvc.Status.Capacity[corev1.ResourceStorage]; ok {
			cl.Capacity = q.String()
		}
		out = append(out, cl)
	}
	return out, nil
}
