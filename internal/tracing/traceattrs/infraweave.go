// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package traceattrs

import (
	"go.opentelemetry.io/otel/attribute"
)

// This file defines InfraWeave-specific semantic conventions used alongside
// the general OpenTelemetry-specified ones. Callers pass the canonical string
// representation of the relevant type so that this package does not need to
// import anything else from this codebase.

// DeploymentID returns an attribute indicating which deployment a span
// relates to, in the "<module>/<name>" form.
func DeploymentID(id string) attribute.KeyValue {
	return attribute.String("infraweave.deployment.id", id)
}

// JobID returns an attribute indicating which job a span relates to.
func JobID(id string) attribute.KeyValue {
	return attribute.String("infraweave.job.id", id)
}

// Environment returns an attribute indicating the target environment.
func Environment(env string) attribute.KeyValue {
	return attribute.String("infraweave.environment", env)
}

// ModuleName returns an attribute indicating which catalog module a span
// relates to. The value is the lowercase module name.
func ModuleName(name string) attribute.KeyValue {
	return attribute.String("infraweave.module.name", name)
}

// ModuleVersion returns an attribute indicating which version of a module is
// relevant to a span. Typically used alongside [ModuleName].
func ModuleVersion(v string) attribute.KeyValue {
	return attribute.String("infraweave.module.version", v)
}

// ModuleTrack returns an attribute indicating the release track a module
// version was published to.
func ModuleTrack(track string) attribute.KeyValue {
	return attribute.String("infraweave.module.track", track)
}

// Region returns an attribute indicating which platform region a span
// relates to.
func Region(region string) attribute.KeyValue {
	return attribute.String("infraweave.region", region)
}

// ProviderSource returns an attribute indicating which Terraform provider a
// span relates to, in registry source-address form.
func ProviderSource(source string) attribute.KeyValue {
	return attribute.String("infraweave.provider.source", source)
}

// ProviderVersion returns an attribute indicating which provider version is
// relevant to a span. Typically used alongside [ProviderSource].
func ProviderVersion(v string) attribute.KeyValue {
	return attribute.String("infraweave.provider.version", v)
}

// OCIReferenceTag returns an attribute indicating which OCI repository tag a
// span relates to.
func OCIReferenceTag(tag string) attribute.KeyValue {
	return attribute.String("infraweave.oci.reference.tag", tag)
}

// OCIRepositoryName returns an attribute indicating which OCI repository a
// span relates to. The value should not include the registry domain.
func OCIRepositoryName(name string) attribute.KeyValue {
	return attribute.String("infraweave.oci.repository.name", name)
}

// OCIBlobDigest returns an attribute indicating which OCI blob digest a span
// relates to.
func OCIBlobDigest(digest string) attribute.KeyValue {
	return attribute.String("infraweave.oci.blob.digest", digest)
}

// OCIBlobSize returns an attribute indicating the size in bytes of an OCI
// blob that is relevant to a span.
func OCIBlobSize(size int64) attribute.KeyValue {
	return attribute.Int64("infraweave.oci.blob.size", size)
}
