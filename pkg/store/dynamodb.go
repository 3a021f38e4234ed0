package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stepsync/pkg/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const DefaultRegion = "us-east-2"

// DynamoStore 每个 run 一条 item，分区键 run_id
type DynamoStore struct {
	svc   *dynamodb.Client
	table string
}

type DynamoOptions struct {
	Table    string
	Region   string
	Endpoint string // 非空时指向本地 DynamoDB，使用静态凭证
}

func NewDynamoStore(ctx context.Context, opts DynamoOptions) (*DynamoStore, error) {
	if opts.Region == "" {
		opts.Region = DefaultRegion
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.Endpoint != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	svc := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.EndpointResolver = dynamodb.EndpointResolverFromURL(opts.Endpoint)
		}
	})

	s := &DynamoStore{svc: svc, table: opts.Table}
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DynamoStore) ensureTable(ctx context.Context) error {
	_, err := s.svc.CreateTable(ctx, &dynamodb.CreateTableInput{
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("run_id"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("run_id"),
				KeyType:       types.KeyTypeHash,
			},
		},
		TableName:   aws.String(s.table),
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}

	w := dynamodb.NewTableExistsWaiter(s.svc)
	return w.Wait(ctx,
		&dynamodb.DescribeTableInput{TableName: aws.String(s.table)},
		2*time.Minute,
		func(o *dynamodb.TableExistsWaiterOptions) {
			o.MinDelay = time.Second
			o.MaxDelay = 5 * time.Second
		})
}

func (s *DynamoStore) key(runID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"run_id": &types.AttributeValueMemberS{Value: runID},
	}
}

func (s *DynamoStore) LoadState(ctx context.Context, runID string) (*model.RunState, error) {
	res, err := s.svc.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(runID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if len(res.Item) == 0 {
		return nil, ErrNotFound
	}

	var state model.RunState
	if err := attributevalue.UnmarshalMap(res.Item, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *DynamoStore) SaveState(ctx context.Context, state *model.RunState) error {
	item, err := attributevalue.MarshalMap(state)
	if err != nil {
		return err
	}
	_, err = s.svc.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	return err
}

func (s *DynamoStore) DeleteState(ctx context.Context, runID string) error {
	_, err := s.svc.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       s.key(runID),
	})
	return err
}

func (s *DynamoStore) WatchState(ctx context.Context, runID string) <-chan StateEvent {
	return pollWatch(ctx, runID, DefaultPollInterval, s.LoadState)
}

func (s *DynamoStore) Close() error {
	return nil
}
