// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/infraweave-io/infraweave/internal/defs"
)

func TestNewUsesTestMode(t *testing.T) {
	t.Setenv("TEST_MODE", "true")
	s, err := New(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ProjectID() != "test-mode" || s.Region() != "us-west-2" {
		t.Errorf("unexpected test-mode identity: %s / %s", s.ProjectID(), s.Region())
	}
}

func TestNewRequiresProvider(t *testing.T) {
	t.Setenv("TEST_MODE", "")
	t.Setenv("PROVIDER", "")
	if _, err := New(context.Background()); err == nil {
		t.Fatal("expected error when PROVIDER is unset")
	}
	t.Setenv("PROVIDER", "gcp")
	if _, err := New(context.Background()); err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

func TestDeploymentReadDefaults(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("test-mode", "us-west-2")

	err := m.SetDeployment(ctx, &defs.Deployment{
		DeploymentID: "s3bucket/my-bucket",
		Environment:  "cli/default",
		Status:       "successful",
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	d, err := m.GetDeployment(ctx, "s3bucket/my-bucket", "cli/default", false)
	if err != nil {
		t.Fatal(err)
	}
	if d.CPU != "1024" || d.Memory != "2048" {
		t.Errorf("missing cpu/memory defaults: cpu=%q memory=%q", d.CPU, d.Memory)
	}
	if d.Reference != "" {
		t.Errorf("reference should default to empty, got %q", d.Reference)
	}
}

func TestDeletedDeploymentHidden(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("test-mode", "us-west-2")

	deployment := &defs.Deployment{
		DeploymentID: "s3bucket/my-bucket",
		Environment:  "cli/default",
		Deleted:      true,
	}
	if err := m.SetDeployment(ctx, deployment, false); err != nil {
		t.Fatal(err)
	}

	if _, err := m.GetDeployment(ctx, "s3bucket/my-bucket", "cli/default", false); !errors.Is(err, defs.ErrNotFound) {
		t.Errorf("deleted deployment should be hidden, got %v", err)
	}
	if _, err := m.GetDeployment(ctx, "s3bucket/my-bucket", "cli/default", true); err != nil {
		t.Errorf("deleted deployment should be visible with includeDeleted: %v", err)
	}
}

func TestDependentEdges(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("test-mode", "us-west-2")

	base := &defs.Deployment{
		DeploymentID: "s3bucket/base",
		Environment:  "cli/default",
		Status:       "successful",
	}
	if err := m.SetDeployment(ctx, base, false); err != nil {
		t.Fatal(err)
	}

	dependent := &defs.Deployment{
		DeploymentID: "s3bucket/child",
		Environment:  "cli/default",
		Status:       "requested",
		Dependencies: []defs.Dependency{
			{DeploymentID: "s3bucket/base", Environment: "cli/default"},
		},
	}
	if err := m.SetDeployment(ctx, dependent, false); err != nil {
		t.Fatal(err)
	}

	_, dependents, err := m.GetDeploymentAndDependents(ctx, "s3bucket/base", "cli/default", false)
	if err != nil {
		t.Fatal(err)
	}
	want := []defs.Dependent{{DependentID: "s3bucket/child", Environment: "cli/default"}}
	if diff := cmp.Diff(want, dependents); diff != "" {
		t.Errorf("dependents mismatch (-want +got):\n%s", diff)
	}

	// Deleting the dependent removes its edge.
	dependent.Deleted = true
	if err := m.SetDeployment(ctx, dependent, false); err != nil {
		t.Fatal(err)
	}
	_, dependents, err = m.GetDeploymentAndDependents(ctx, "s3bucket/base", "cli/default", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(dependents) != 0 {
		t.Errorf("expected no dependents after delete, got %v", dependents)
	}
}

func TestPlanDeploymentsKeyedByJobID(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("test-mode", "us-west-2")

	plan := &defs.Deployment{
		DeploymentID: "s3bucket/my-bucket",
		Environment:  "cli/default",
		JobID:        "job-1",
		Status:       "requested",
	}
	if err := m.SetDeployment(ctx, plan, true); err != nil {
		t.Fatal(err)
	}

	if _, err := m.GetDeployment(ctx, "s3bucket/my-bucket", "cli/default", false); !errors.Is(err, defs.ErrNotFound) {
		t.Error("plan row must not be visible as a deployment")
	}
	got, err := m.GetPlanDeployment(ctx, "s3bucket/my-bucket", "cli/default", "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.JobID != "job-1" {
		t.Errorf("unexpected plan row: %+v", got)
	}
	if _, err := m.GetPlanDeployment(ctx, "s3bucket/my-bucket", "cli/default", "job-2"); !errors.Is(err, defs.ErrNotFound) {
		t.Errorf("unknown job id should be not found, got %v", err)
	}
}

func TestModuleVersionLookups(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("test-mode", "us-west-2")

	for _, version := range []string{"0.1.0", "0.2.0", "0.10.0"} {
		err := m.InsertModule(ctx, &defs.Module{
			Module:       "s3bucket",
			ModuleName:   "S3Bucket",
			ModuleType:   string(defs.ModuleTypeModule),
			Track:        "",
			Version:      version,
			TrackVersion: "#" + version,
		}, nil)
		if err != nil {
			t.Fatal(err)
		}
	}

	latest, err := m.GetLatestModuleVersion(ctx, defs.ModuleTypeModule, "", "s3bucket")
	if err != nil {
		t.Fatal(err)
	}
	// Semantic, not lexicographic: 0.10.0 > 0.2.0.
	if latest.Version != "0.10.0" {
		t.Errorf("expected latest 0.10.0, got %s", latest.Version)
	}
	if latest.CPU != "1024" || latest.Memory != "2048" {
		t.Errorf("missing module defaults on read: %+v", latest)
	}

	if _, err := m.GetModuleVersion(ctx, defs.ModuleTypeModule, "", "s3bucket", "9.9.9"); !errors.Is(err, defs.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := m.GetLatestModuleVersion(ctx, defs.ModuleTypeStack, "", "s3bucket"); !errors.Is(err, defs.ErrNotFound) {
		t.Errorf("module must not be visible as stack, got %v", err)
	}
}

func TestEventsOrderedByEpoch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("test-mode", "us-west-2")

	for _, epoch := range []int64{300, 100, 200} {
		err := m.InsertEvent(ctx, &defs.Event{
			DeploymentID: "s3bucket/my-bucket",
			Environment:  "cli/default",
			Epoch:        epoch,
			Event:        "apply",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	events, err := m.GetEvents(ctx, "s3bucket/my-bucket", "cli/default")
	if err != nil {
		t.Fatal(err)
	}
	var epochs []int64
	for _, e := range events {
		epochs = append(epochs, e.Epoch)
	}
	if diff := cmp.Diff([]int64{100, 200, 300}, epochs); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}
}

func TestChangeRecordRoundtrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("test-mode", "us-west-2")

	record := &defs.InfraChangeRecord{
		DeploymentID:   "s3bucket/my-bucket",
		Environment:    "cli/default",
		JobID:          "job-1",
		ChangeType:     "plan",
		PlanStdOutput:  "Plan: 1 to add",
		PlanRawJSONKey: "plans/job-1.json",
	}
	if err := m.InsertInfraChangeRecord(ctx, record, []byte(`{"resource_changes":[]}`)); err != nil {
		t.Fatal(err)
	}

	got, err := m.GetChangeRecord(ctx, "cli/default", "s3bucket/my-bucket", "job-1", "plan")
	if err != nil {
		t.Fatal(err)
	}
	if got.PlanStdOutput != record.PlanStdOutput {
		t.Errorf("unexpected change record: %+v", got)
	}

	raw, err := m.GetObject(ctx, "plans/job-1.json", BucketChangeRecords)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"resource_changes":[]}` {
		t.Errorf("unexpected stored plan output: %s", raw)
	}
}
