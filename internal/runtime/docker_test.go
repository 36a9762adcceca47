package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestDockerRunHardeningFlags(t *testing.T) {
	fake := NewFakeRunner()
	fake.Outputs["docker run"] = "abc123def456"

	d := NewDocker(fake, "", "")
	id, err := d.Run(context.Background(), ContainerSpec{
		Image:          "fleet-agent:latest",
		TaskID:         "t1",
		WorkdirBind:    "/tmp/fleet/wt-t1",
		Memory:         "2g",
		CPUs:           "2",
		Network:        "fleet-egress",
		CapAdd:         []string{"NET_BIND_SERVICE"},
		SeccompProfile: "/etc/fleet/seccomp.json",
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "abc123def456" {
		t.Errorf("container id = %q", id)
	}

	if len(fake.Calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(fake.Calls))
	}
	call := fake.Calls[0]
	if call.Name != "docker" {
		t.Errorf("binary = %q, want docker", call.Name)
	}

	line := strings.Join(call.Args, " ")
	for _, want := range []string{
		"--read-only",
		"--cap-drop ALL",
		"--cap-add NET_BIND_SERVICE",
		"--security-opt no-new-privileges",
		"--security-opt seccomp=/etc/fleet/seccomp.json",
		"--memory 2g",
		"--cpus 2",
		"--network fleet-egress",
		"--tmpfs /tmp",
		"--label fleet=agent-fleet",
		"--label fleet.task=t1",
		"-v /tmp/fleet/wt-t1:/workspace",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("run args missing %q: %s", want, line)
		}
	}
}

func TestDockerRunEmptyID(t *testing.T) {
	fake := NewFakeRunner()
	d := NewDocker(fake, "", "")
	if _, err := d.Run(context.Background(), ContainerSpec{Image: "img"}); err == nil {
		t.Fatal("expected error for empty container id")
	}
}

func TestDockerRemoteHostEnv(t *testing.T) {
	fake := NewFakeRunner()
	fake.Outputs["docker inspect"] = "true"

	d := NewDocker(fake, "docker", "tcp://10.0.0.5:2376")
	if !d.IsRunning(context.Background(), "abc") {
		t.Error("expected running")
	}

	call := fake.Calls[0]
	found := false
	for _, e := range call.Env {
		if e == "DOCKER_HOST=tcp://10.0.0.5:2376" {
			found = true
		}
	}
	if !found {
		t.Errorf("DOCKER_HOST override not passed through command env: %v", call.Env)
	}
}

func TestDockerIsRunningSwallowsProbeErrors(t *testing.T) {
	fake := NewFakeRunner()
	fake.Failures["docker inspect"] = errors.New("no such container")

	d := NewDocker(fake, "", "")
	if d.IsRunning(context.Background(), "gone") {
		t.Error("probe error must read as not running")
	}
}

func TestDockerListFleet(t *testing.T) {
	fake := NewFakeRunner()
	fake.Outputs["docker ps"] = "aaa111 task-1\nbbb222 task-2\n"

	d := NewDocker(fake, "", "")
	fleet, err := d.ListFleet(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(fleet) != 2 || fleet["task-1"] != "aaa111" || fleet["task-2"] != "bbb222" {
		t.Errorf("fleet = %v", fleet)
	}
}
