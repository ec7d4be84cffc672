// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/infraweave-io/infraweave/internal/defs"
)

// AWS persists platform state in DynamoDB, blobs in S3, notifications on an
// SNS topic, and reads runner logs from CloudWatch Logs. The control function
// that launches runner jobs is a Lambda.
type AWS struct {
	projectID string
	region    string
	cfg       aws.Config

	ddb       *dynamodb.Client
	s3Client  *s3.Client
	presigner *s3.PresignClient
	snsClient *sns.Client
	logs      *cloudwatchlogs.Client
	stsClient *sts.Client
	ecsClient *ecs.Client
	fn        *lambda.Client

	tables   awsTables
	buckets  map[Bucket]string
	topic    string
	function string

	logger hclog.Logger
}

var _ Store = (*AWS)(nil)

type awsTables struct {
	deployments   string
	modules       string
	events        string
	changeRecords string
	policies      string
	config        string
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// NewAWS builds a store from the ambient AWS configuration. Table, bucket
// and topic names come from the environment with infraweave defaults.
func NewAWS(ctx context.Context) (*AWS, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws configuration: %w", err)
	}

	s3Client := s3.NewFromConfig(cfg)
	store := &AWS{
		region:    cfg.Region,
		cfg:       cfg,
		ddb:       dynamodb.NewFromConfig(cfg),
		s3Client:  s3Client,
		presigner: s3.NewPresignClient(s3Client),
		snsClient: sns.NewFromConfig(cfg),
		logs:      cloudwatchlogs.NewFromConfig(cfg),
		stsClient: sts.NewFromConfig(cfg),
		ecsClient: ecs.NewFromConfig(cfg),
		fn:        lambda.NewFromConfig(cfg),
		tables: awsTables{
			deployments:   envOr("DYNAMODB_DEPLOYMENTS_TABLE_NAME", "infraweave-deployments"),
			modules:       envOr("DYNAMODB_MODULES_TABLE_NAME", "infraweave-modules"),
			events:        envOr("DYNAMODB_EVENTS_TABLE_NAME", "infraweave-events"),
			changeRecords: envOr("DYNAMODB_CHANGE_RECORDS_TABLE_NAME", "infraweave-change-records"),
			policies:      envOr("DYNAMODB_POLICIES_TABLE_NAME", "infraweave-policies"),
			config:        envOr("DYNAMODB_CONFIG_TABLE_NAME", "infraweave-config"),
		},
		buckets: map[Bucket]string{
			BucketModules:       envOr("MODULE_S3_BUCKET_NAME", "infraweave-modules"),
			BucketPolicies:      envOr("POLICY_S3_BUCKET_NAME", "infraweave-policies"),
			BucketChangeRecords: envOr("CHANGE_RECORD_S3_BUCKET_NAME", "infraweave-change-records"),
			BucketProviders:     envOr("PROVIDER_S3_BUCKET_NAME", "infraweave-providers"),
		},
		topic:    os.Getenv("NOTIFICATION_TOPIC_ARN"),
		function: envOr("API_FUNCTION_NAME", "infraweave-api"),
		logger:   hclog.Default().Named("store.aws"),
	}

	identity, err := store.stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("resolving caller identity: %w", err)
	}
	store.projectID = aws.ToString(identity.Account)
	return store, nil
}

func jsonTagged(o *attributevalue.EncoderOptions) { o.TagKey = "json" }

func jsonTaggedDecode(o *attributevalue.DecoderOptions) { o.TagKey = "json" }

func marshalItem(v any) (map[string]ddbtypes.AttributeValue, error) {
	return attributevalue.MarshalMapWithOptions(v, jsonTagged)
}

func unmarshalItem(item map[string]ddbtypes.AttributeValue, v any) error {
	return attributevalue.UnmarshalMapWithOptions(item, v, jsonTaggedDecode)
}

/* ---- deployments ------------------------------------------------------- */

// The deleted flag is stored as a number so it can key a sparse GSI.
func normalizeDeleted(item map[string]ddbtypes.AttributeValue) {
	if n, ok := item["deleted"].(*ddbtypes.AttributeValueMemberN); ok {
		item["deleted"] = &ddbtypes.AttributeValueMemberBOOL{Value: n.Value != "0"}
	}
}

func deploymentPK(deploymentID, environment string) string {
	return "DEPLOYMENT#" + deploymentID + "#" + environment
}

func (a *AWS) getDeploymentItem(ctx context.Context, pk, sk string) (*defs.Deployment, error) {
	out, err := a.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(a.tables.deployments),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: pk},
			"SK": &ddbtypes.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("reading deployment %s: %w", pk, err)
	}
	if out.Item == nil {
		return nil, defs.ErrNotFound
	}
	normalizeDeleted(out.Item)
	var d defs.Deployment
	if err := unmarshalItem(out.Item, &d); err != nil {
		return nil, err
	}
	applyDeploymentDefaults(&d)
	return &d, nil
}

func (a *AWS) GetDeployment(ctx context.Context, deploymentID, environment string, includeDeleted bool) (*defs.Deployment, error) {
	d, err := a.getDeploymentItem(ctx, deploymentPK(deploymentID, environment), "METADATA")
	if err != nil {
		return nil, err
	}
	if d.Deleted && !includeDeleted {
		return nil, defs.ErrNotFound
	}
	return d, nil
}

func (a *AWS) GetDeploymentAndDependents(ctx context.Context, deploymentID, environment string, includeDeleted bool) (*defs.Deployment, []defs.Dependent, error) {
	out, err := a.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(a.tables.deployments),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk": &ddbtypes.AttributeValueMemberS{Value: deploymentPK(deploymentID, environment)},
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("reading deployment and dependents: %w", err)
	}

	var deployment *defs.Deployment
	var dependents []defs.Dependent
	for _, item := range out.Items {
		sk, _ := item["SK"].(*ddbtypes.AttributeValueMemberS)
		if sk == nil {
			continue
		}
		switch {
		case sk.Value == "METADATA":
			normalizeDeleted(item)
			var d defs.Deployment
			if err := unmarshalItem(item, &d); err != nil {
				return nil, nil, err
			}
			applyDeploymentDefaults(&d)
			deployment = &d
		case strings.HasPrefix(sk.Value, "DEPENDENT#"):
			var dep defs.Dependent
			if err := unmarshalItem(item, &dep); err != nil {
				return nil, nil, err
			}
			dependents = append(dependents, dep)
		}
	}
	if deployment == nil || (deployment.Deleted && !includeDeleted) {
		return nil, nil, defs.ErrNotFound
	}
	return deployment, dependents, nil
}

func (a *AWS) GetPlanDeployment(ctx context.Context, deploymentID, environment, jobID string) (*defs.Deployment, error) {
	return a.getDeploymentItem(ctx, "PLAN#"+deploymentID+"#"+environment, jobID)
}

func (a *AWS) queryDeploymentsIndex(ctx context.Context, index, keyExpr string, values map[string]ddbtypes.AttributeValue, names map[string]string) ([]defs.Deployment, error) {
	var out []defs.Deployment
	paginator := dynamodb.NewQueryPaginator(a.ddb, &dynamodb.QueryInput{
		TableName:                 aws.String(a.tables.deployments),
		IndexName:                 aws.String(index),
		KeyConditionExpression:    aws.String(keyExpr),
		ExpressionAttributeValues: values,
		ExpressionAttributeNames:  names,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("querying deployments index %s: %w", index, err)
		}
		for _, item := range page.Items {
			normalizeDeleted(item)
			var d defs.Deployment
			if err := unmarshalItem(item, &d); err != nil {
				return nil, err
			}
			applyDeploymentDefaults(&d)
			out = append(out, d)
		}
	}
	return out, nil
}

func (a *AWS) GetAllDeployments(ctx context.Context, environment string) ([]defs.Deployment, error) {
	return a.queryDeploymentsIndex(ctx, "environment-index",
		"environment = :env AND deleted_SK = :del",
		map[string]ddbtypes.AttributeValue{
			":env": &ddbtypes.AttributeValueMemberS{Value: environment},
			":del": &ddbtypes.AttributeValueMemberN{Value: "0"},
		}, nil)
}

func (a *AWS) GetDeploymentsUsingModule(ctx context.Context, module, environment string) ([]defs.Deployment, error) {
	all, err := a.queryDeploymentsIndex(ctx, "module-index",
		"#module = :module AND deleted_SK = :del",
		map[string]ddbtypes.AttributeValue{
			":module": &ddbtypes.AttributeValueMemberS{Value: module},
			":del":    &ddbtypes.AttributeValueMemberN{Value: "0"},
		}, map[string]string{"#module": "module"})
	if err != nil {
		return nil, err
	}
	if environment == "" {
		return all, nil
	}
	var out []defs.Deployment
	for _, d := range all {
		if d.Environment == environment {
			out = append(out, d)
		}
	}
	return out, nil
}

func (a *AWS) GetDeploymentsToDriftCheck(ctx context.Context) ([]defs.Deployment, error) {
	now := time.Now().UnixMilli()
	return a.queryDeploymentsIndex(ctx, "drift-check-index",
		"deleted_PK = :del AND next_drift_check_epoch <= :now",
		map[string]ddbtypes.AttributeValue{
			":del": &ddbtypes.AttributeValueMemberN{Value: "0"},
			":now": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now, 10)},
		}, nil)
}

func (a *AWS) SetDeployment(ctx context.Context, deployment *defs.Deployment, isPlan bool) error {
	item, err := marshalItem(deployment)
	if err != nil {
		return fmt.Errorf("marshaling deployment: %w", err)
	}
	deleted := "0"
	if deployment.Deleted {
		deleted = "1"
	}
	item["deleted"] = &ddbtypes.AttributeValueMemberN{Value: deleted}
	item["deleted_PK"] = &ddbtypes.AttributeValueMemberN{Value: deleted}
	item["deleted_SK"] = &ddbtypes.AttributeValueMemberN{Value: deleted}

	if isPlan {
		if deployment.JobID == "" {
			return fmt.Errorf("plan deployment requires a job id")
		}
		item["PK"] = &ddbtypes.AttributeValueMemberS{Value: "PLAN#" + deployment.DeploymentID + "#" + deployment.Environment}
		item["SK"] = &ddbtypes.AttributeValueMemberS{Value: deployment.JobID}
		_, err = a.ddb.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(a.tables.deployments),
			Item:      item,
		})
		return err
	}

	item["PK"] = &ddbtypes.AttributeValueMemberS{Value: deploymentPK(deployment.DeploymentID, deployment.Environment)}
	item["SK"] = &ddbtypes.AttributeValueMemberS{Value: "METADATA"}

	writes := []ddbtypes.TransactWriteItem{{
		Put: &ddbtypes.Put{TableName: aws.String(a.tables.deployments), Item: item},
	}}
	// Dependent edges live on the dependency's partition so a single query
	// returns a deployment together with everything waiting on it.
	for _, dep := range deployment.Dependencies {
		edge, err := marshalItem(defs.Dependent{
			DependentID: deployment.DeploymentID,
			Environment: deployment.Environment,
		})
		if err != nil {
			return err
		}
		edge["PK"] = &ddbtypes.AttributeValueMemberS{Value: deploymentPK(dep.DeploymentID, dep.Environment)}
		edge["SK"] = &ddbtypes.AttributeValueMemberS{Value: "DEPENDENT#" + deployment.DeploymentID + "#" + deployment.Environment}
		writes = append(writes, ddbtypes.TransactWriteItem{
			Put: &ddbtypes.Put{TableName: aws.String(a.tables.deployments), Item: edge},
		})
	}

	_, err = a.ddb.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: writes})
	if err != nil {
		return fmt.Errorf("writing deployment %s: %w", deployment.DeploymentID, err)
	}
	return nil
}

/* ---- modules ----------------------------------------------------------- */

func modulePK(moduleType defs.ModuleType, track, module string) string {
	return fmt.Sprintf("MODULE#%s#%s#%s", moduleType, track, module)
}

func (a *AWS) InsertModule(ctx context.Context, module *defs.Module, zipBytes []byte) error {
	if module.S3Key != "" && zipBytes != nil {
		_, err := a.s3Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(a.buckets[BucketModules]),
			Key:    aws.String(module.S3Key),
			Body:   bytes.NewReader(zipBytes),
		})
		if err != nil {
			return fmt.Errorf("uploading module zip %s: %w", module.S3Key, err)
		}
	}

	item, err := marshalItem(module)
	if err != nil {
		return fmt.Errorf("marshaling module: %w", err)
	}
	item["PK"] = &ddbtypes.AttributeValueMemberS{Value: modulePK(defs.ModuleType(module.ModuleType), module.Track, module.Module)}
	item["SK"] = &ddbtypes.AttributeValueMemberS{Value: module.TrackVersion}

	_, err = a.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.tables.modules),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("writing module %s %s: %w", module.Module, module.Version, err)
	}
	return nil
}

func (a *AWS) queryModules(ctx context.Context, input *dynamodb.QueryInput) ([]defs.Module, error) {
	var out []defs.Module
	paginator := dynamodb.NewQueryPaginator(a.ddb, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("querying modules: %w", err)
		}
		for _, item := range page.Items {
			var m defs.Module
			if err := unmarshalItem(item, &m); err != nil {
				return nil, err
			}
			applyModuleDefaults(&m)
			out = append(out, m)
		}
	}
	return out, nil
}

func (a *AWS) GetModuleVersion(ctx context.Context, moduleType defs.ModuleType, track, module, version string) (*defs.Module, error) {
	modules, err := a.GetAllModuleVersions(ctx, moduleType, track, module)
	if err != nil {
		return nil, err
	}
	for _, m := range modules {
		if m.Version == version {
			return &m, nil
		}
	}
	return nil, defs.ErrNotFound
}

func (a *AWS) GetLatestModuleVersion(ctx context.Context, moduleType defs.ModuleType, track, module string) (*defs.Module, error) {
	// track_version is zero-padded so the newest version sorts last.
	modules, err := a.queryModules(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(a.tables.modules),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk": &ddbtypes.AttributeValueMemberS{Value: modulePK(moduleType, track, module)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return nil, err
	}
	if len(modules) == 0 {
		return nil, defs.ErrNotFound
	}
	return &modules[0], nil
}

func (a *AWS) GetAllLatestModules(ctx context.Context, moduleType defs.ModuleType, track string) ([]defs.Module, error) {
	modules, err := a.queryModules(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(a.tables.modules),
		IndexName:              aws.String("module-type-index"),
		KeyConditionExpression: aws.String("module_type = :mt"),
		FilterExpression:       aws.String("track = :track"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":mt":    &ddbtypes.AttributeValueMemberS{Value: string(moduleType)},
			":track": &ddbtypes.AttributeValueMemberS{Value: track},
		},
	})
	if err != nil {
		return nil, err
	}

	latest := map[string]defs.Module{}
	for _, m := range modules {
		if current, ok := latest[m.Module]; !ok || m.TrackVersion > current.TrackVersion {
			latest[m.Module] = m
		}
	}
	names := make([]string, 0, len(latest))
	for name := range latest {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]defs.Module, 0, len(names))
	for _, name := range names {
		out = append(out, latest[name])
	}
	return out, nil
}

func (a *AWS) GetAllModuleVersions(ctx context.Context, moduleType defs.ModuleType, track, module string) ([]defs.Module, error) {
	return a.queryModules(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(a.tables.modules),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk": &ddbtypes.AttributeValueMemberS{Value: modulePK(moduleType, track, module)},
		},
		ScanIndexForward: aws.Bool(false),
	})
}

func (a *AWS) SetModuleDeprecation(ctx context.Context, moduleType defs.ModuleType, track, module, version string, deprecated bool, message string) error {
	m, err := a.GetModuleVersion(ctx, moduleType, track, module, version)
	if err != nil {
		return err
	}
	_, err = a.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(a.tables.modules),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: modulePK(moduleType, track, module)},
			"SK": &ddbtypes.AttributeValueMemberS{Value: m.TrackVersion},
		},
		UpdateExpression: aws.String("SET deprecated = :d, deprecated_message = :m"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":d": &ddbtypes.AttributeValueMemberBOOL{Value: deprecated},
			":m": &ddbtypes.AttributeValueMemberS{Value: message},
		},
	})
	return err
}

/* ---- providers --------------------------------------------------------- */

func (a *AWS) GetProvider(ctx context.Context, name, version string) (*defs.Provider, error) {
	out, err := a.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(a.tables.modules),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: "PROVIDER#" + name},
			"SK": &ddbtypes.AttributeValueMemberS{Value: version},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("reading provider %s: %w", name, err)
	}
	if out.Item == nil {
		return nil, defs.ErrNotFound
	}
	var p defs.Provider
	if err := unmarshalItem(out.Item, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (a *AWS) GetLatestProvider(ctx context.Context, name string) (*defs.Provider, error) {
	out, err := a.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(a.tables.modules),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk": &ddbtypes.AttributeValueMemberS{Value: "PROVIDER#" + name},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("reading latest provider %s: %w", name, err)
	}
	if len(out.Items) == 0 {
		return nil, defs.ErrNotFound
	}
	var p defs.Provider
	if err := unmarshalItem(out.Items[0], &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (a *AWS) InsertProvider(ctx context.Context, provider *defs.Provider, zipBytes []byte) error {
	if provider.S3Key != "" && zipBytes != nil {
		_, err := a.s3Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(a.buckets[BucketProviders]),
			Key:    aws.String(provider.S3Key),
			Body:   bytes.NewReader(zipBytes),
		})
		if err != nil {
			return fmt.Errorf("uploading provider zip %s: %w", provider.S3Key, err)
		}
	}
	item, err := marshalItem(provider)
	if err != nil {
		return err
	}
	item["PK"] = &ddbtypes.AttributeValueMemberS{Value: "PROVIDER#" + provider.Provider}
	item["SK"] = &ddbtypes.AttributeValueMemberS{Value: provider.Version}
	_, err = a.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.tables.modules),
		Item:      item,
	})
	return err
}

/* ---- events and change records ----------------------------------------- */

func (a *AWS) InsertEvent(ctx context.Context, event *defs.Event) error {
	item, err := marshalItem(event)
	if err != nil {
		return err
	}
	item["PK"] = &ddbtypes.AttributeValueMemberS{Value: "EVENT#" + event.DeploymentID + "#" + event.Environment}
	item["SK"] = &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(event.Epoch, 10)}
	_, err = a.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.tables.events),
		Item:      item,
	})
	return err
}

func (a *AWS) GetEvents(ctx context.Context, deploymentID, environment string) ([]defs.Event, error) {
	var out []defs.Event
	paginator := dynamodb.NewQueryPaginator(a.ddb, &dynamodb.QueryInput{
		TableName:              aws.String(a.tables.events),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk": &ddbtypes.AttributeValueMemberS{Value: "EVENT#" + deploymentID + "#" + environment},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("querying events: %w", err)
		}
		for _, item := range page.Items {
			var e defs.Event
			if err := unmarshalItem(item, &e); err != nil {
				return nil, err
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// GetAllEventsBetween scans the events table for all deployments. The epoch
// window keeps the scan bounded; drift reporting is the only caller.
func (a *AWS) GetAllEventsBetween(ctx context.Context, startEpoch, endEpoch int64) ([]defs.Event, error) {
	var out []defs.Event
	paginator := dynamodb.NewScanPaginator(a.ddb, &dynamodb.ScanInput{
		TableName:        aws.String(a.tables.events),
		FilterExpression: aws.String("epoch BETWEEN :start AND :end"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":start": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(startEpoch, 10)},
			":end":   &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(endEpoch, 10)},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scanning events: %w", err)
		}
		for _, item := range page.Items {
			var e defs.Event
			if err := unmarshalItem(item, &e); err != nil {
				return nil, err
			}
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	return out, nil
}

func (a *AWS) InsertInfraChangeRecord(ctx context.Context, record *defs.InfraChangeRecord, planRawJSON []byte) error {
	if record.PlanRawJSONKey != "" && planRawJSON != nil {
		_, err := a.s3Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(a.buckets[BucketChangeRecords]),
			Key:    aws.String(record.PlanRawJSONKey),
			Body:   bytes.NewReader(planRawJSON),
		})
		if err != nil {
			return fmt.Errorf("uploading plan output %s: %w", record.PlanRawJSONKey, err)
		}
	}
	item, err := marshalItem(record)
	if err != nil {
		return err
	}
	item["PK"] = &ddbtypes.AttributeValueMemberS{Value: "CHANGE#" + record.Environment + "#" + record.DeploymentID}
	item["SK"] = &ddbtypes.AttributeValueMemberS{Value: record.JobID + "#" + record.ChangeType}
	_, err = a.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.tables.changeRecords),
		Item:      item,
	})
	return err
}

func (a *AWS) GetChangeRecord(ctx context.Context, environment, deploymentID, jobID, changeType string) (*defs.InfraChangeRecord, error) {
	out, err := a.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(a.tables.changeRecords),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: "CHANGE#" + environment + "#" + deploymentID},
			"SK": &ddbtypes.AttributeValueMemberS{Value: jobID + "#" + changeType},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("reading change record: %w", err)
	}
	if out.Item == nil {
		return nil, defs.ErrNotFound
	}
	var record defs.InfraChangeRecord
	if err := unmarshalItem(out.Item, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

/* ---- policies ----------------------------------------------------------- */

func (a *AWS) GetAllPolicies(ctx context.Context, environment string) ([]defs.Policy, error) {
	var out []defs.Policy
	paginator := dynamodb.NewQueryPaginator(a.ddb, &dynamodb.QueryInput{
		TableName:              aws.String(a.tables.policies),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk": &ddbtypes.AttributeValueMemberS{Value: "POLICY#" + environment},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("querying policies: %w", err)
		}
		for _, item := range page.Items {
			var p defs.Policy
			if err := unmarshalItem(item, &p); err != nil {
				return nil, err
			}
			out = append(out, p)
		}
	}
	return out, nil
}

func (a *AWS) GetPolicy(ctx context.Context, environment, policy, version string) (*defs.Policy, error) {
	out, err := a.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(a.tables.policies),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: "POLICY#" + environment},
			"SK": &ddbtypes.AttributeValueMemberS{Value: policy + "#" + version},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("reading policy %s: %w", policy, err)
	}
	if out.Item == nil {
		return nil, defs.ErrNotFound
	}
	var p defs.Policy
	if err := unmarshalItem(out.Item, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

/* ---- blobs, notifications, identity ------------------------------------- */

func (a *AWS) GeneratePresignedURL(ctx context.Context, key string, bucket Bucket) (string, error) {
	name, ok := a.buckets[bucket]
	if !ok {
		return "", fmt.Errorf("unknown bucket %q", bucket)
	}
	req, err := a.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(name),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(time.Hour))
	if err != nil {
		return "", fmt.Errorf("presigning %s/%s: %w", name, key, err)
	}
	return req.URL, nil
}

func (a *AWS) GetObject(ctx context.Context, key string, bucket Bucket) ([]byte, error) {
	name, ok := a.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("unknown bucket %q", bucket)
	}
	out, err := a.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(name),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", name, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (a *AWS) PublishNotification(ctx context.Context, notification defs.Notification) (string, error) {
	if a.topic == "" {
		return "", fmt.Errorf("NOTIFICATION_TOPIC_ARN is not set")
	}
	out, err := a.snsClient.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(a.topic),
		Subject:  aws.String(notification.Subject),
		Message:  aws.String(string(notification.Payload)),
	})
	if err != nil {
		return "", fmt.Errorf("publishing notification %s: %w", notification.Subject, err)
	}
	return aws.ToString(out.MessageId), nil
}

func (a *AWS) ReadLogs(ctx context.Context, jobID string) ([]defs.LogData, error) {
	group := envOr("RUNNER_LOG_GROUP_NAME", "/infraweave/runner")
	var out []defs.LogData
	paginator := cloudwatchlogs.NewGetLogEventsPaginator(a.logs, &cloudwatchlogs.GetLogEventsInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(jobID),
		StartFromHead: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading logs for job %s: %w", jobID, err)
		}
		for _, event := range page.Events {
			out = append(out, defs.LogData{Message: aws.ToString(event.Message)})
		}
	}
	return out, nil
}

// GetCurrentJobID returns the runner's own job id: the ECS task id when
// running on ECS, otherwise a fresh UUID for local runs.
func (a *AWS) GetCurrentJobID(ctx context.Context) (string, error) {
	if taskARN := os.Getenv("ECS_TASK_ARN"); taskARN != "" {
		parts := strings.Split(taskARN, "/")
		return parts[len(parts)-1], nil
	}
	return uuid.NewString(), nil
}

// GetJobStatus asks ECS whether the runner task behind jobID is still
// executing. A stopped or unknown task counts as not running so a crashed
// runner never blocks resubmission.
func (a *AWS) GetJobStatus(ctx context.Context, jobID string) (*defs.JobStatus, error) {
	cluster := envOr("ECS_CLUSTER_NAME", "infraweave-runner")
	out, err := a.ecsClient.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(cluster),
		Tasks:   []string{jobID},
	})
	if err != nil {
		return nil, fmt.Errorf("describing task %s: %w", jobID, err)
	}
	status := &defs.JobStatus{JobID: jobID}
	for _, task := range out.Tasks {
		last := aws.ToString(task.LastStatus)
		if last != "STOPPED" && last != "DEPROVISIONING" {
			status.IsRunning = true
		}
	}
	return status, nil
}

func (a *AWS) GetUserID(ctx context.Context) (string, error) {
	identity, err := a.stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("resolving caller identity: %w", err)
	}
	return aws.ToString(identity.Arn), nil
}

func (a *AWS) GetAllRegions(ctx context.Context) ([]string, error) {
	out, err := a.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(a.tables.config),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: "CONFIG"},
			"SK": &ddbtypes.AttributeValueMemberS{Value: "REGIONS"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("reading regions: %w", err)
	}
	if out.Item == nil {
		return []string{a.region}, nil
	}
	var config struct {
		Regions []string `json:"regions"`
	}
	if err := unmarshalItem(out.Item, &config); err != nil {
		return nil, err
	}
	return config.Regions, nil
}

func (a *AWS) GetProjectMap(ctx context.Context) ([]defs.ProjectData, error) {
	var out []defs.ProjectData
	paginator := dynamodb.NewQueryPaginator(a.ddb, &dynamodb.QueryInput{
		TableName:              aws.String(a.tables.config),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk": &ddbtypes.AttributeValueMemberS{Value: "PROJECT"},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("querying project map: %w", err)
		}
		for _, item := range page.Items {
			var p defs.ProjectData
			if err := unmarshalItem(item, &p); err != nil {
				return nil, err
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// RunFunction invokes the platform's API Lambda synchronously and returns
// its raw response payload.
func (a *AWS) RunFunction(ctx context.Context, payload []byte) (*defs.FunctionResponse, error) {
	out, err := a.fn.Invoke(ctx, &lambda.InvokeInput{
		FunctionName: aws.String(a.function),
		Payload:      payload,
	})
	if err != nil {
		return nil, fmt.Errorf("invoking %s: %w", a.function, err)
	}
	if out.FunctionError != nil {
		return nil, fmt.Errorf("function %s failed: %s: %s", a.function, aws.ToString(out.FunctionError), out.Payload)
	}
	return &defs.FunctionResponse{Payload: out.Payload}, nil
}

func (a *AWS) ProjectID() string       { return a.projectID }
func (a *AWS) Region() string          { return a.region }
func (a *AWS) BackendProvider() string { return "s3" }

// CopyWithRegion rebuilds the regional clients against another region. Table,
// bucket and topic names are per-region copies of the same layout.
func (a *AWS) CopyWithRegion(region string) Store {
	cfg := a.cfg.Copy()
	cfg.Region = region
	s3Client := s3.NewFromConfig(cfg)
	copied := *a
	copied.region = region
	copied.cfg = cfg
	copied.ddb = dynamodb.NewFromConfig(cfg)
	copied.s3Client = s3Client
	copied.presigner = s3.NewPresignClient(s3Client)
	copied.snsClient = sns.NewFromConfig(cfg)
	copied.logs = cloudwatchlogs.NewFromConfig(cfg)
	copied.stsClient = sts.NewFromConfig(cfg)
	copied.ecsClient = ecs.NewFromConfig(cfg)
	copied.fn = lambda.NewFromConfig(cfg)
	return &copied
}
