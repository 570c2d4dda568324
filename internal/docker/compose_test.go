package docker_test

import (
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

type ComposeFile struct {
	Services map[string]Service `yaml:"services"`
	Networks map[string]Network `yaml:"networks"`
}

type Network struct {
	Driver string `yaml:"driver"`
}

type Service struct {
	Image       string         `yaml:"image"`
	Build       *Build         `yaml:"build"`
	Ports       []string       `yaml:"ports"`
	Environment []string       `yaml:"environment"`
	DependsOn   map[string]any `yaml:"depends_on"`
	Healthcheck *Healthcheck   `yaml:"healthcheck"`
	Restart     string         `yaml:"restart"`
	Command     string         `yaml:"command"`
	Networks    []string       `yaml:"networks"`
	Volumes     []string       `yaml:"volumes"`
}

type Build struct {
	Context string `yaml:"context"`
}

type Healthcheck struct {
	Test     []string `yaml:"test"`
	Interval string   `yaml:"interval"`
	Retries  int      `yaml:"retries"`
}

// syncServices are the two server instances sharing one Redis relay.
var syncServices = []string{"sync-a", "sync-b"}

func projectRoot() string {
	_, filename, _, _ := runtime.Caller(0)
	// From internal/docker/ go up 2 levels to the module root
	return filepath.Join(filepath.Dir(filename), "..", "..")
}

func readCompose(t *testing.T) ComposeFile {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(projectRoot(), "docker-compose.yml"))
	if err != nil {
		t.Fatalf("failed to read docker-compose.yml: %v", err)
	}
	var compose ComposeFile
	if err := yaml.Unmarshal(data, &compose); err != nil {
		t.Fatalf("failed to parse docker-compose.yml: %v", err)
	}
	return compose
}

func TestDockerComposeHasAllServices(t *testing.T) {
	compose := readCompose(t)

	for _, name := range append(slices.Clone(syncServices), "redis", "lb") {
		if _, ok := compose.Services[name]; !ok {
			t.Errorf("missing service: %s", name)
		}
	}
	if len(compose.Services) != 4 {
		t.Errorf("expected 4 services, got %d", len(compose.Services))
	}
}

func TestSyncServicesShareRedis(t *testing.T) {
	compose := readCompose(t)

	for _, name := range syncServices {
		svc := compose.Services[name]
		if svc.Build == nil || svc.Build.Context != "." {
			t.Errorf("%s build context should be .", name)
		}
		if _, ok := svc.DependsOn["redis"]; !ok {
			t.Errorf("%s should depend on redis", name)
		}
		if svc.Healthcheck == nil || !strings.Contains(strings.Join(svc.Healthcheck.Test, " "), "/health") {
			t.Errorf("%s should have a /health healthcheck", name)
		}
		if !slices.Contains(svc.Environment, "REDIS_ADDR=redis:6379") {
			t.Errorf("%s should have REDIS_ADDR=redis:6379", name)
		}
		if len(svc.Ports) != 0 {
			t.Errorf("%s should only be reachable through lb, publishes %v", name, svc.Ports)
		}
	}
}

func TestLoadBalancerPinsSessions(t *testing.T) {
	lb := readCompose(t).Services["lb"]
	if !strings.HasPrefix(lb.Image, "nginx:") {
		t.Errorf("lb image should be nginx:*, got %s", lb.Image)
	}
	if !slices.Contains(lb.Ports, "8080:8080") {
		t.Errorf("lb should publish 8080, got %v", lb.Ports)
	}
	if !slices.Contains(lb.Volumes, "./deploy/nginx.conf:/etc/nginx/nginx.conf:ro") {
		t.Errorf("lb should mount deploy/nginx.conf, got %v", lb.Volumes)
	}
	for _, name := range syncServices {
		if _, ok := lb.DependsOn[name]; !ok {
			t.Errorf("lb should depend on %s", name)
		}
	}

	data, err := os.ReadFile(filepath.Join(projectRoot(), "deploy", "nginx.conf"))
	if err != nil {
		t.Fatal(err)
	}
	conf := string(data)
	for _, want := range []string{
		"hash $consult_session consistent",
		"$arg_sessionId",
		"^/api/sessions/",
		"server sync-a:8080",
		"server sync-b:8080",
		"proxy_set_header Upgrade $http_upgrade",
	} {
		if !strings.Contains(conf, want) {
			t.Errorf("nginx.conf should contain %q", want)
		}
	}
	if strings.Contains(conf, "round_robin") || strings.Contains(conf, "least_conn") {
		t.Error("nginx.conf must not balance a session across instances")
	}
}

func TestRedisService(t *testing.T) {
	redis := readCompose(t).Services["redis"]

	if !strings.HasPrefix(redis.Image, "redis:") {
		t.Errorf("redis image should be redis:*, got %s", redis.Image)
	}
	if redis.Healthcheck == nil {
		t.Error("redis should have a healthcheck")
	}
	if !strings.Contains(redis.Command, "--maxmemory") {
		t.Error("redis should have a maxmemory setting for local development")
	}
}

func TestRestartPoliciesAndNetwork(t *testing.T) {
	compose := readCompose(t)
	net, ok := compose.Networks["consultsync"]
	if !ok || net.Driver != "bridge" {
		t.Fatalf("consultsync bridge network should be defined, got %+v", compose.Networks)
	}
	for name, svc := range compose.Services {
		if svc.Restart != "unless-stopped" {
			t.Errorf("service %s should have restart: unless-stopped, got %q", name, svc.Restart)
		}
		if !slices.Contains(svc.Networks, "consultsync") {
			t.Errorf("service %s should be on consultsync network", name)
		}
	}
}

func TestDockerfileContent(t *testing.T) {
	data, err := os.ReadFile(filepath.Join(projectRoot(), "Dockerfile"))
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)

	for _, want := range []string{"FROM golang:", "AS builder", "EXPOSE 8080", "./cmd/server", "configs"} {
		if !strings.Contains(content, want) {
			t.Errorf("Dockerfile should contain %q", want)
		}
	}
}

func TestDockerignore(t *testing.T) {
	data, err := os.ReadFile(filepath.Join(projectRoot(), ".dockerignore"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{".git", ".env"} {
		if !strings.Contains(string(data), want) {
			t.Errorf(".dockerignore should exclude %s", want)
		}
	}
}
