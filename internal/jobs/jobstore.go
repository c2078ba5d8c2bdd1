package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wolfman30/clinic-reminders/pkg/logging"
)

const jobTTL = 72 * time.Hour

// Status is the lifecycle of a reminder job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrJobNotFound indicates the requested job id does not exist.
var ErrJobNotFound = errors.New("jobs: job not found")

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// Record is the persisted status of one job.
type Record struct {
	JobID        string  `dynamodbav:"jobId" json:"job_id"`
	Status       Status  `dynamodbav:"status" json:"status"`
	Kind         Kind    `dynamodbav:"kind" json:"kind"`
	Round        string  `dynamodbav:"round" json:"round"`
	GroupKey     string  `dynamodbav:"groupKey,omitempty" json:"group_key,omitempty"`
	TicketIDs    []int64 `dynamodbav:"ticketIds,omitempty" json:"ticket_ids,omitempty"`
	Outcome      string  `dynamodbav:"outcome,omitempty" json:"outcome,omitempty"`
	ErrorMessage string  `dynamodbav:"errorMessage,omitempty" json:"error,omitempty"`
	CreatedAt    string  `dynamodbav:"createdAt" json:"created_at"`
	UpdatedAt    string  `dynamodbav:"updatedAt" json:"updated_at"`
	ExpiresAt    int64   `dynamodbav:"expiresAt,omitempty" json:"-"`
}

// StatusStore records job progress.
type StatusStore interface {
	PutPending(ctx context.Context, rec *Record) error
	MarkCompleted(ctx context.Context, jobID, outcome string) error
	MarkFailed(ctx context.Context, jobID, errMsg string) error
	GetJob(ctx context.Context, jobID string) (*Record, error)
}

// DynamoStore persists job records to DynamoDB.
type DynamoStore struct {
	client    dynamoAPI
	tableName string
	logger    *logging.Logger
}

var _ StatusStore = (*DynamoStore)(nil)

// NewDynamoStore builds a store on the given table.
func NewDynamoStore(client dynamoAPI, tableName string, logger *logging.Logger) *DynamoStore {
	if client == nil {
		panic("jobs: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("jobs: table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DynamoStore{client: client, tableName: tableName, logger: logger}
}

// PutPending inserts a new pending job record.
func (s *DynamoStore) PutPending(ctx context.Context, rec *Record) error {
	if rec == nil {
		return errors.New("jobs: record cannot be nil")
	}
	stampPending(rec, time.Now().UTC())

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("jobs: marshal record: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(jobId)"),
	})
	if err != nil {
		return fmt.Errorf("jobs: persist record: %w", err)
	}
	return nil
}

// MarkCompleted records a finished job and its outcome.
func (s *DynamoStore) MarkCompleted(ctx context.Context, jobID, outcome string) error {
	return s.finish(ctx, jobID, StatusCompleted, outcome, "")
}

// MarkFailed records a failed job.
func (s *DynamoStore) MarkFailed(ctx context.Context, jobID, errMsg string) error {
	return s.finish(ctx, jobID, StatusFailed, "", errMsg)
}

func (s *DynamoStore) finish(ctx context.Context, jobID string, status Status, outcome, errMsg string) error {
	if jobID == "" {
		return errors.New("jobs: jobID required")
	}
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"jobId": &types.AttributeValueMemberS{Value: jobID},
		},
		UpdateExpression: aws.String("SET #status = :status, #outcome = :outcome, #error = :error, #updated = :updated"),
		ExpressionAttributeNames: map[string]string{
			"#status":  "status",
			"#outcome": "outcome",
			"#error":   "errorMessage",
			"#updated": "updatedAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":  &types.AttributeValueMemberS{Value: string(status)},
			":outcome": &types.AttributeValueMemberS{Value: outcome},
			":error":   &types.AttributeValueMemberS{Value: errMsg},
			":updated": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_exists(jobId)"),
	})
	if err != nil {
		return fmt.Errorf("jobs: update job %s: %w", jobID, err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *DynamoStore) GetJob(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, errors.New("jobs: jobID required")
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"jobId": &types.AttributeValueMemberS{Value: jobID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: fetch job: %w", err)
	}
	if out.Item == nil {
		return nil, ErrJobNotFound
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("jobs: decode job: %w", err)
	}
	return &rec, nil
}

// MemoryStore keeps job records in process.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]Record
}

var _ StatusStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Record)}
}

func (s *MemoryStore) PutPending(_ context.Context, rec *Record) error {
	if rec == nil {
		return errors.New("jobs: record cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[rec.JobID]; exists {
		return fmt.Errorf("jobs: job %s already exists", rec.JobID)
	}
	stampPending(rec, time.Now().UTC())
	s.jobs[rec.JobID] = *rec
	return nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, jobID, outcome string) error {
	return s.finish(jobID, StatusCompleted, outcome, "")
}

func (s *MemoryStore) MarkFailed(_ context.Context, jobID, errMsg string) error {
	return s.finish(jobID, StatusFailed, "", errMsg)
}

func (s *MemoryStore) finish(jobID string, status Status, outcome, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	rec.Status = status
	rec.Outcome = outcome
	rec.ErrorMessage = errMsg
	rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	s.jobs[jobID] = rec
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &rec, nil
}

func stampPending(rec *Record, now time.Time) {
	rec.Status = StatusPending
	rec.CreatedAt = now.Format(time.RFC3339Nano)
	rec.UpdatedAt = rec.CreatedAt
	if rec.ExpiresAt == 0 {
		rec.ExpiresAt = now.Add(jobTTL).Unix()
	}
}
