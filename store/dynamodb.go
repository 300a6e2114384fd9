package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/sicko7947/triageflow"
)

// DynamoDBStore implements CheckpointStore and InstanceRegistry using AWS DynamoDB
type DynamoDBStore struct {
	client    DynamoDBClient
	tableName string
}

var (
	_ triageflow.CheckpointStore  = (*DynamoDBStore)(nil)
	_ triageflow.InstanceRegistry = (*DynamoDBStore)(nil)
)

// NewDynamoDBStore creates a new DynamoDB-backed store
func NewDynamoDBStore(client DynamoDBClient, tableName string) *DynamoDBStore {
	return &DynamoDBStore{
		client:    client,
		tableName: tableName,
	}
}

// Checkpoint operations

// Write puts sequence expected+1 under a condition that the key is new.
// A stale writer always targets a sequence that already exists, so the
// condition rejects it.
func (s *DynamoDBStore) Write(ctx context.Context, instanceID string, expected int64, state *triageflow.WorkflowState) (int64, error) {
	rec, err := triageflow.NewCheckpointRecord(state, expected+1)
	if err != nil {
		return 0, err
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	item[AttrPK] = &types.AttributeValueMemberS{Value: instancePK(instanceID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: checkpointSK(rec.Sequence)}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeCheckpoint}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return 0, fmt.Errorf("instance %s sequence %d already written: %w",
				instanceID, rec.Sequence, triageflow.ErrSequenceConflict)
		}
		return 0, fmt.Errorf("failed to write checkpoint: %w", err)
	}

	return rec.Sequence, nil
}

func (s *DynamoDBStore) ReadLatest(ctx context.Context, instanceID string) (*triageflow.CheckpointRecord, error) {
	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: instancePK(instanceID)},
			":sk": &types.AttributeValueMemberS{Value: checkpointPrefix()},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read latest checkpoint: %w", err)
	}

	if len(result.Items) == 0 {
		return nil, triageflow.NotFoundError("no checkpoint for instance %s", instanceID)
	}

	item := result.Items[0]
	sk, ok := item[AttrSK].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("checkpoint item of %s has no sort key", instanceID)
	}
	keySeq, err := parseCheckpointSK(sk.Value)
	if err != nil {
		return nil, err
	}

	var rec triageflow.CheckpointRecord
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if rec.Sequence != keySeq {
		return nil, fmt.Errorf("checkpoint of %s stores sequence %d under key %d", instanceID, rec.Sequence, keySeq)
	}

	return &rec, nil
}

func (s *DynamoDBStore) Delete(ctx context.Context, instanceID string) error {
	var lastEvaluatedKey map[string]types.AttributeValue

	// Paginate through all checkpoint keys
	for {
		queryInput := &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: instancePK(instanceID)},
				":sk": &types.AttributeValueMemberS{Value: checkpointPrefix()},
			},
			ProjectionExpression: aws.String("PK, SK"),
		}

		if lastEvaluatedKey != nil {
			queryInput.ExclusiveStartKey = lastEvaluatedKey
		}

		result, err := s.client.Query(ctx, queryInput)
		if err != nil {
			return fmt.Errorf("failed to list checkpoints: %w", err)
		}

		for _, item := range result.Items {
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					AttrPK: item[AttrPK],
					AttrSK: item[AttrSK],
				},
			})
			if err != nil {
				return fmt.Errorf("failed to delete checkpoint: %w", err)
			}
		}

		// Check if there are more results
		if result.LastEvaluatedKey == nil {
			break
		}
		lastEvaluatedKey = result.LastEvaluatedKey
	}

	return nil
}

// Registry operations

// Create writes the mapping and its email pointer in one transaction
func (s *DynamoDBStore) Create(ctx context.Context, emailID string) (string, error) {
	now := time.Now().UTC()
	m := &triageflow.InstanceMapping{
		EmailID:    emailID,
		InstanceID: uuid.NewString(),
		Stage:      triageflow.StageCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	item, err := s.mappingItem(m)
	if err != nil {
		return "", err
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                refItem(emailRefPK(emailID), EntityTypeEmailRef, m.InstanceID),
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return "", fmt.Errorf("email %s: %w", emailID, triageflow.ErrDuplicateInstance)
		}
		return "", fmt.Errorf("failed to create instance mapping: %w", err)
	}

	return m.InstanceID, nil
}

func (s *DynamoDBStore) GetInstanceID(ctx context.Context, emailID string) (string, error) {
	return s.resolveRef(ctx, emailRefPK(emailID), "email "+emailID)
}

func (s *DynamoDBStore) Get(ctx context.Context, instanceID string) (*triageflow.InstanceMapping, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: instancePK(instanceID)},
			AttrSK: &types.AttributeValueMemberS{Value: mappingSK()},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get instance mapping: %w", err)
	}

	if result.Item == nil {
		return nil, triageflow.NotFoundError("instance %s not found", instanceID)
	}

	var m triageflow.InstanceMapping
	if err := attributevalue.UnmarshalMap(result.Item, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance mapping: %w", err)
	}

	return &m, nil
}

// RecordChannelMessage writes the channel pointer and updates the mapping atomically
func (s *DynamoDBStore) RecordChannelMessage(ctx context.Context, instanceID, channelMessageID string) error {
	current, err := s.Get(ctx, instanceID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	items := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                refItem(channelRefPK(channelMessageID), EntityTypeChannelRef, instanceID),
				ConditionExpression: aws.String("attribute_not_exists(PK) OR instance_id = :id"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":id": &types.AttributeValueMemberS{Value: instanceID},
				},
			},
		},
		{
			Update: &types.Update{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					AttrPK: &types.AttributeValueMemberS{Value: instancePK(instanceID)},
					AttrSK: &types.AttributeValueMemberS{Value: mappingSK()},
				},
				UpdateExpression:    aws.String("SET channel_message_id = :msg, updated_at = :now, GSI1SK = :gsi1sk"),
				ConditionExpression: aws.String("attribute_exists(PK)"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":msg":    &types.AttributeValueMemberS{Value: channelMessageID},
					":now":    &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
					":gsi1sk": &types.AttributeValueMemberS{Value: mappingGSI1SK(now)},
				},
			},
		},
	}

	if current.ChannelMessageID != "" && current.ChannelMessageID != channelMessageID {
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					AttrPK: &types.AttributeValueMemberS{Value: channelRefPK(current.ChannelMessageID)},
					AttrSK: &types.AttributeValueMemberS{Value: refSK()},
				},
			},
		})
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("channel message %s: %w", channelMessageID, triageflow.ErrDuplicateInstance)
		}
		return fmt.Errorf("failed to record channel message: %w", err)
	}

	return nil
}

func (s *DynamoDBStore) ResolveFromCallback(ctx context.Context, channelMessageID string) (string, error) {
	return s.resolveRef(ctx, channelRefPK(channelMessageID), "channel message "+channelMessageID)
}

func (s *DynamoDBStore) UpdateStage(ctx context.Context, instanceID string, stage triageflow.Stage) error {
	now := time.Now().UTC()

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: instancePK(instanceID)},
			AttrSK: &types.AttributeValueMemberS{Value: mappingSK()},
		},
		UpdateExpression:    aws.String("SET #stage = :stage, updated_at = :now, GSI1PK = :gsi1pk, GSI1SK = :gsi1sk"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{
			"#stage": "stage",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":stage":  &types.AttributeValueMemberS{Value: stage.String()},
			":now":    &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":gsi1pk": &types.AttributeValueMemberS{Value: mappingGSI1PK(stage.String())},
			":gsi1sk": &types.AttributeValueMemberS{Value: mappingGSI1SK(now)},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return triageflow.NotFoundError("instance %s not found", instanceID)
		}
		return fmt.Errorf("failed to update stage: %w", err)
	}

	return nil
}

// List queries the stage index. Without a stage filter every stage partition is queried.
func (s *DynamoDBStore) List(ctx context.Context, filter triageflow.MappingFilter) ([]*triageflow.InstanceMapping, error) {
	stages := triageflow.Stages
	if filter.Stage != nil {
		stages = []triageflow.Stage{*filter.Stage}
	}

	var mappings []*triageflow.InstanceMapping
	for _, stage := range stages {
		remaining := 0
		if filter.Limit > 0 {
			remaining = filter.Limit - len(mappings)
			if remaining <= 0 {
				break
			}
		}

		page, err := s.queryStage(ctx, stage, filter.UpdatedBefore, remaining)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, page...)
	}

	return mappings, nil
}

func (s *DynamoDBStore) queryStage(ctx context.Context, stage triageflow.Stage, before *time.Time, limit int) ([]*triageflow.InstanceMapping, error) {
	keyCond := "GSI1PK = :pk"
	values := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: mappingGSI1PK(stage.String())},
	}
	if before != nil {
		keyCond += " AND GSI1SK < :before"
		values[":before"] = &types.AttributeValueMemberS{Value: mappingGSI1SK(*before)}
	}

	var mappings []*triageflow.InstanceMapping
	var lastEvaluatedKey map[string]types.AttributeValue

	for {
		queryInput := &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			IndexName:                 aws.String(IndexStageIndex),
			KeyConditionExpression:    aws.String(keyCond),
			ExpressionAttributeValues: values,
		}

		if lastEvaluatedKey != nil {
			queryInput.ExclusiveStartKey = lastEvaluatedKey
		}

		result, err := s.client.Query(ctx, queryInput)
		if err != nil {
			return nil, fmt.Errorf("failed to query stage index: %w", err)
		}

		for _, item := range result.Items {
			var m triageflow.InstanceMapping
			if err := attributevalue.UnmarshalMap(item, &m); err != nil {
				return nil, fmt.Errorf("failed to unmarshal instance mapping: %w", err)
			}
			mappings = append(mappings, &m)
			if limit > 0 && len(mappings) >= limit {
				return mappings, nil
			}
		}

		// Check if there are more results
		if result.LastEvaluatedKey == nil {
			break
		}
		lastEvaluatedKey = result.LastEvaluatedKey
	}

	return mappings, nil
}

// Remove deletes the mapping with its email and channel pointers
func (s *DynamoDBStore) Remove(ctx context.Context, emailID string) error {
	instanceID, err := s.GetInstanceID(ctx, emailID)
	if err != nil {
		if triageflow.IsNotFound(err) {
			return nil
		}
		return err
	}

	items := []types.TransactWriteItem{
		{Delete: &types.Delete{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				AttrPK: &types.AttributeValueMemberS{Value: emailRefPK(emailID)},
				AttrSK: &types.AttributeValueMemberS{Value: refSK()},
			},
		}},
		{Delete: &types.Delete{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				AttrPK: &types.AttributeValueMemberS{Value: instancePK(instanceID)},
				AttrSK: &types.AttributeValueMemberS{Value: mappingSK()},
			},
		}},
	}

	m, err := s.Get(ctx, instanceID)
	if err != nil && !triageflow.IsNotFound(err) {
		return err
	}
	if m != nil && m.ChannelMessageID != "" {
		items = append(items, types.TransactWriteItem{Delete: &types.Delete{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				AttrPK: &types.AttributeValueMemberS{Value: channelRefPK(m.ChannelMessageID)},
				AttrSK: &types.AttributeValueMemberS{Value: refSK()},
			},
		}})
	}

	if _, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return fmt.Errorf("failed to remove instance mapping: %w", err)
	}

	return nil
}

func (s *DynamoDBStore) mappingItem(m *triageflow.InstanceMapping) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal instance mapping: %w", err)
	}

	// Add keys
	item[AttrPK] = &types.AttributeValueMemberS{Value: instancePK(m.InstanceID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: mappingSK()}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeMapping}

	// Add GSI keys
	item[AttrGSI1PK] = &types.AttributeValueMemberS{Value: mappingGSI1PK(m.Stage.String())}
	item[AttrGSI1SK] = &types.AttributeValueMemberS{Value: mappingGSI1SK(m.UpdatedAt)}

	return item, nil
}

func (s *DynamoDBStore) resolveRef(ctx context.Context, pk, what string) (string, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: pk},
			AttrSK: &types.AttributeValueMemberS{Value: refSK()},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", what, err)
	}

	if result.Item == nil {
		return "", triageflow.NotFoundError("no instance for %s", what)
	}

	idAttr, ok := result.Item[AttrInstanceID].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("%s reference has no instance id", what)
	}

	return idAttr.Value, nil
}

func refItem(pk, entityType, instanceID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		AttrPK:         &types.AttributeValueMemberS{Value: pk},
		AttrSK:         &types.AttributeValueMemberS{Value: refSK()},
		AttrEntityType: &types.AttributeValueMemberS{Value: entityType},
		AttrInstanceID: &types.AttributeValueMemberS{Value: instanceID},
	}
}

// isConditionFailed reports a failed condition on a single write or inside a transaction
func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}

	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, reason := range tce.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}
