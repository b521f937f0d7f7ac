package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/pitabwire/evalflow/model"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoResultStore.
type DynamoAPI interface {
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// dynamoResultItem is the table item. The partition key is the string
// attribute "id"; the document is kept as a JSON string so numbers round-trip
// exactly.
type dynamoResultItem struct {
	ID          string    `dynamodbav:"id"`
	ExecutionID string    `dynamodbav:"execution_id"`
	Document    string    `dynamodbav:"document"`
	Artifacts   []string  `dynamodbav:"artifacts,omitempty"`
	CreatedAt   time.Time `dynamodbav:"created_at"`
	UpdatedAt   time.Time `dynamodbav:"updated_at"`
}

// putExpression overwrites every attribute except created_at, which is only
// set on first write.
const putExpression = "SET execution_id = :execution_id, document = :document, artifacts = :artifacts, " +
	"updated_at = :updated_at, created_at = if_not_exists(created_at, :created_at)"

// DynamoResultStore is a ResultStore backed by a DynamoDB table.
type DynamoResultStore struct {
	client DynamoAPI
	table  string
}

// NewDynamoResultStore creates a store for the given table.
func NewDynamoResultStore(client DynamoAPI, table string) *DynamoResultStore {
	return &DynamoResultStore{client: client, table: table}
}

// Put writes the record with overwrite semantics.
func (s *DynamoResultStore) Put(ctx context.Context, rec model.ResultRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("result record id is required")
	}
	docJSON, err := rec.Document.Bytes()
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	artifacts := rec.Artifacts
	if artifacts == nil {
		artifacts = []string{}
	}
	artifactsAV, err := attributevalue.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	createdAV, err := attributevalue.Marshal(rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("marshal created_at: %w", err)
	}
	updatedAV, err := attributevalue.Marshal(rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("marshal updated_at: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: rec.ID}},
		UpdateExpression: aws.String(putExpression),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":execution_id": &types.AttributeValueMemberS{Value: rec.ExecutionID},
			":document":     &types.AttributeValueMemberS{Value: string(docJSON)},
			":artifacts":    artifactsAV,
			":updated_at":   updatedAV,
			":created_at":   createdAV,
		},
	})
	if err != nil {
		return fmt.Errorf("dynamodb update %s/%s: %w", s.table, rec.ID, err)
	}
	return nil
}

// Get reads the record with a strongly consistent read.
func (s *DynamoResultStore) Get(ctx context.Context, id string) (model.ResultRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return model.ResultRecord{}, fmt.Errorf("dynamodb get %s/%s: %w", s.table, id, err)
	}
	if len(out.Item) == 0 {
		return model.ResultRecord{}, fmt.Errorf("result %q: %w", id, ErrNotFound)
	}

	var item dynamoResultItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return model.ResultRecord{}, fmt.Errorf("unmarshal item: %w", err)
	}
	doc, err := model.DecodeDocument([]byte(item.Document))
	if err != nil {
		return model.ResultRecord{}, fmt.Errorf("unmarshal document: %w", err)
	}
	rec := model.ResultRecord{
		ID:          item.ID,
		ExecutionID: item.ExecutionID,
		Document:    doc,
		CreatedAt:   item.CreatedAt,
		UpdatedAt:   item.UpdatedAt,
	}
	if len(item.Artifacts) > 0 {
		rec.Artifacts = item.Artifacts
	}
	return rec, nil
}

// HealthCheck describes the table.
func (s *DynamoResultStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	return err
}
