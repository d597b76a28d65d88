// Package lifecycle implements the Function Lifecycle Manager
// (SPEC_FULL.md §4.2): idempotent create-or-update of a named Lambda
// function from a packaged code artifact, plus the permission and
// event-source wiring the reduce coordinator needs to be invoked by S3.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/biglambda/orchestrator/internal/types"
)

const runtime = lambdatypes.RuntimePython312

// LambdaAPI is the subset of the Lambda client the manager depends on,
// narrow enough to fake in tests.
type LambdaAPI interface {
	CreateFunction(ctx context.Context, in *lambda.CreateFunctionInput, opts ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error)
	UpdateFunctionCode(ctx context.Context, in *lambda.UpdateFunctionCodeInput, opts ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error)
	AddPermission(ctx context.Context, in *lambda.AddPermissionInput, opts ...func(*lambda.Options)) (*lambda.AddPermissionOutput, error)
}

// S3API is the subset of the S3 client the manager depends on for
// bucket-notification wiring.
type S3API interface {
	PutBucketNotificationConfiguration(ctx context.Context, in *s3.PutBucketNotificationConfigurationInput, opts ...func(*s3.Options)) (*s3.PutBucketNotificationConfigurationOutput, error)
}

// IAMAPI is the subset of the IAM client used to resolve a role name to
// an ARN when the configured role isn't already an ARN.
type IAMAPI interface {
	GetRole(ctx context.Context, in *iam.GetRoleInput, opts ...func(*iam.Options)) (*iam.GetRoleOutput, error)
}

// Manager installs and wires mapper, reducer, and coordinator functions.
type Manager struct {
	lambdaClient LambdaAPI
	s3Client     S3API
	iamClient    IAMAPI
	logger       *zap.Logger
}

// New builds a Manager.
func New(lambdaClient LambdaAPI, s3Client S3API, iamClient IAMAPI, logger *zap.Logger) *Manager {
	return &Manager{lambdaClient: lambdaClient, s3Client: s3Client, iamClient: iamClient, logger: logger}
}

// InstalledFunction describes a function once it has been created or
// updated: its final, unqualified ARN.
type InstalledFunction struct {
	Name string
	ARN  string
}

// InstallRequest is everything the manager needs to create-or-update one
// function.
type InstallRequest struct {
	FunctionName string
	Handler      string
	CodeZip      []byte
	MemoryMB     int32
	TimeoutSec   int32
	Role         string
}

// Install ensures a function named req.FunctionName exists and points at
// req.CodeZip, per SPEC_FULL.md §4.2: attempt create; on a conflict,
// update in place and strip the version suffix from the returned ARN so
// later permission/notification calls reference the unqualified
// function, exactly as original_source/lambdautils.py's
// update_function does.
func (m *Manager) Install(ctx context.Context, req InstallRequest) (InstalledFunction, error) {
	roleARN, err := m.resolveRole(ctx, req.Role)
	if err != nil {
		return InstalledFunction{}, fmt.Errorf("resolve role for %s: %w", req.FunctionName, err)
	}

	createOut, err := m.lambdaClient.CreateFunction(ctx, &lambda.CreateFunctionInput{
		FunctionName: aws.String(req.FunctionName),
		Handler:      aws.String(req.Handler),
		Role:         aws.String(roleARN),
		Runtime:      runtime,
		Code:         &lambdatypes.FunctionCode{ZipFile: req.CodeZip},
		Description:  aws.String(req.FunctionName),
		MemorySize:   aws.Int32(req.MemoryMB),
		Timeout:      aws.Int32(req.TimeoutSec),
	})
	if err == nil {
		m.logger.Info("created function", zap.String("function", req.FunctionName))
		return InstalledFunction{Name: req.FunctionName, ARN: aws.ToString(createOut.FunctionArn)}, nil
	}

	if !isResourceConflict(err) {
		return InstalledFunction{}, fmt.Errorf("create function %s: %w", req.FunctionName, err)
	}

	m.logger.Info("function exists, updating code", zap.String("function", req.FunctionName))
	updateOut, err := m.lambdaClient.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
		FunctionName: aws.String(req.FunctionName),
		ZipFile:      req.CodeZip,
		Publish:      true,
	})
	if err != nil {
		return InstalledFunction{}, fmt.Errorf("update function %s: %w", req.FunctionName, err)
	}

	arn := stripVersionSuffix(aws.ToString(updateOut.FunctionArn))
	return InstalledFunction{Name: req.FunctionName, ARN: arn}, nil
}

// stripVersionSuffix removes a trailing ":N" (or ":$LATEST") qualifier
// from a published function ARN, per SPEC_FULL.md §4.2.
func stripVersionSuffix(arn string) string {
	parts := strings.Split(arn, ":")
	// A qualified ARN has 8 colon-delimited parts; an unqualified one has
	// 7. Only strip a trailing segment when the ARN really is qualified.
	if len(parts) <= 7 {
		return arn
	}
	return strings.Join(parts[:7], ":")
}

func isResourceConflict(err error) bool {
	var conflict *lambdatypes.ResourceConflictException
	return errors.As(err, &conflict)
}

// GrantInvokePermission grants bucket (via the S3 service principal)
// permission to invoke fn, using a statement id unique within the
// function's policy. original_source uses random.randint(1,1000),
// which risks collisions on repeated installs of the same function
// across job runs; a UUID removes that risk while preserving the same
// idempotent-registration intent.
func (m *Manager) GrantInvokePermission(ctx context.Context, fn InstalledFunction, bucket string) error {
	statementID := uuid.NewString()
	_, err := m.lambdaClient.AddPermission(ctx, &lambda.AddPermissionInput{
		Action:       aws.String("lambda:InvokeFunction"),
		FunctionName: aws.String(fn.Name),
		Principal:    aws.String("s3.amazonaws.com"),
		StatementId:  aws.String(statementID),
		SourceArn:    aws.String(fmt.Sprintf("arn:aws:s3:::%s", bucket)),
	})
	if err != nil {
		return fmt.Errorf("add permission for %s on %s: %w", fn.Name, bucket, err)
	}
	return nil
}

// WireNotification configures bucket to notify fn on object creation
// under keyPrefix, per SPEC_FULL.md §4.2: only mapper and reducer
// outputs trigger the coordinator, never the header, state, or result
// objects.
func (m *Manager) WireNotification(ctx context.Context, fn InstalledFunction, bucket, keyPrefix string) error {
	_, err := m.s3Client.PutBucketNotificationConfiguration(ctx, &s3.PutBucketNotificationConfigurationInput{
		Bucket: aws.String(bucket),
		NotificationConfiguration: &s3types.NotificationConfiguration{
			LambdaFunctionConfigurations: []s3types.LambdaFunctionConfiguration{
				{
					Events:            []s3types.Event{s3types.EventS3ObjectCreated},
					LambdaFunctionArn: aws.String(fn.ARN),
					Filter: &s3types.NotificationConfigurationFilter{
						Key: &s3types.S3KeyFilter{
							FilterRules: []s3types.FilterRule{
								{Name: s3types.FilterRuleNamePrefix, Value: aws.String(keyPrefix)},
							},
						},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("wire notification for %s on %s/%s: %w", fn.Name, bucket, keyPrefix, err)
	}
	return nil
}

// CoordinatorNotificationPrefix returns the key prefix the coordinator's
// bucket notification should filter on, per SPEC_FULL.md §4.2: only
// mapper and reducer outputs, not the header, state, or result objects.
func CoordinatorNotificationPrefix(jobID string) string {
	return fmt.Sprintf("%s/%s", jobID, types.TaskSegment)
}

// resolveRole accepts either a full IAM role ARN or a bare role name
// (looked up via IAM) so the lifecycle manager works with either form of
// serverless_mapreduce_role.
func (m *Manager) resolveRole(ctx context.Context, role string) (string, error) {
	if strings.HasPrefix(role, "arn:") {
		return role, nil
	}

	out, err := m.iamClient.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(role)})
	if err != nil {
		var notFound *iamtypes.NoSuchEntityException
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("role %q not found via IAM and is not an ARN: set serverless_mapreduce_role to a role ARN or an existing role name", role)
		}
		return "", fmt.Errorf("look up role %q: %w", role, err)
	}
	return aws.ToString(out.Role.Arn), nil
}
