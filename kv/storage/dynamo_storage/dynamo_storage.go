package dynamo_storage

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// API is the subset of the DynamoDB client used by DynamoStorage.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStorage is a Storage on Amazon DynamoDB. Each storage table is a DynamoDB table with a string hash key
// named by the key-attribute setting. Conditions are translated to DynamoDB condition expressions, so the
// single-item atomicity comes from DynamoDB itself and any number of processes may share the tables.
// Tables must already exist.
type DynamoStorage struct {
	conf    *config.DynamoDBConfig
	client  API
	keyAttr string
}

func NewDynamoStorage(conf *config.Config) *DynamoStorage {
	return &DynamoStorage{
		conf:    &conf.Storage.DynamoDB,
		keyAttr: conf.Storage.DynamoDB.KeyAttribute,
	}
}

// NewDynamoStorageWithClient wraps an existing client. Start does not replace it.
func NewDynamoStorageWithClient(conf *config.Config, client API) *DynamoStorage {
	s := NewDynamoStorage(conf)
	s.client = client
	return s
}

func (s *DynamoStorage) Start() error {
	if s.client != nil {
		return nil
	}
	region, endpoint := s.conf.Region, s.conf.Endpoint
	if strings.Contains(endpoint, "localhost") && region != "localhost" {
		log.Warn("dynamodb local endpoint in use, forcing region to localhost", zap.String("region", region))
		region = "localhost"
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if endpoint != "" {
		opts = append(opts, awsconfig.WithEndpointResolver(aws.EndpointResolverFunc(
			func(service, region string) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint, SigningRegion: region}, nil
			})))
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.TODO(), opts...)
	if err != nil {
		return errors.Annotate(err, "load aws sdk config")
	}
	s.client = dynamodb.NewFromConfig(cfg)
	return nil
}

func (s *DynamoStorage) Stop() error {
	return nil
}

func (s *DynamoStorage) key(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		s.keyAttr: &types.AttributeValueMemberS{Value: key},
	}
}

func (s *DynamoStorage) Get(ctx context.Context, table, key string) (storage.Item, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            s.key(key),
		ConsistentRead: aws.Bool(s.conf.ConsistentRead),
	})
	if err != nil {
		return nil, errors.Annotatef(err, "dynamodb get %s/%s", table, key)
	}
	if resp.Item == nil {
		return nil, nil
	}
	return s.fromAttributeValues(resp.Item)
}

func (s *DynamoStorage) Put(ctx context.Context, table, key string, item storage.Item, cond *storage.Condition) error {
	av, err := toAttributeValues(item)
	if err != nil {
		return err
	}
	av[s.keyAttr] = &types.AttributeValueMemberS{Value: key}
	input := &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      av,
	}
	expr, ok, err := s.conditionExpression(cond)
	if err != nil {
		return err
	}
	if ok {
		input.ConditionExpression = expr.Condition()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}
	_, err = s.client.PutItem(ctx, input)
	return s.writeError(err, "put", table, key)
}

func (s *DynamoStorage) Delete(ctx context.Context, table, key string, cond *storage.Condition) error {
	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(table),
		Key:       s.key(key),
	}
	expr, ok, err := s.conditionExpression(cond)
	if err != nil {
		return err
	}
	if ok {
		input.ConditionExpression = expr.Condition()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}
	_, err = s.client.DeleteItem(ctx, input)
	return s.writeError(err, "delete", table, key)
}

func (s *DynamoStorage) Scan(ctx context.Context, table string, fn func(key string, item storage.Item) bool) error {
	input := &dynamodb.ScanInput{
		TableName:      aws.String(table),
		ConsistentRead: aws.Bool(s.conf.ConsistentRead),
	}
	for {
		resp, err := s.client.Scan(ctx, input)
		if err != nil {
			return errors.Annotatef(err, "dynamodb scan %s", table)
		}
		for _, av := range resp.Items {
			keyAV, ok := av[s.keyAttr].(*types.AttributeValueMemberS)
			if !ok {
				return errors.Errorf("dynamodb: item in %s has no string key attribute %s", table, s.keyAttr)
			}
			item, err := s.fromAttributeValues(av)
			if err != nil {
				return err
			}
			if !fn(keyAV.Value, item) {
				return nil
			}
		}
		if len(resp.LastEvaluatedKey) == 0 {
			return nil
		}
		input.ExclusiveStartKey = resp.LastEvaluatedKey
	}
}

func (s *DynamoStorage) writeError(err error, op, table, key string) error {
	if err == nil {
		return nil
	}
	var ccf *types.ConditionalCheckFailedException
	if stderrors.As(err, &ccf) {
		return storage.ErrConditionFailed
	}
	return errors.Annotatef(err, "dynamodb %s %s/%s", op, table, key)
}

// conditionExpression translates cond. It reports false when there is nothing to check.
func (s *DynamoStorage) conditionExpression(cond *storage.Condition) (expression.Expression, bool, error) {
	if cond == nil {
		return expression.Expression{}, false, nil
	}
	var clauses []expression.ConditionBuilder
	if cond.ItemAbsent {
		clauses = append(clauses, expression.AttributeNotExists(expression.Name(s.keyAttr)))
	}
	for _, check := range cond.Checks {
		if check.Absent {
			clauses = append(clauses, expression.AttributeNotExists(expression.Name(check.Attr)))
			continue
		}
		av, err := toAttributeValue(check.Value)
		if err != nil {
			return expression.Expression{}, false, err
		}
		clauses = append(clauses, expression.Name(check.Attr).Equal(expression.Value(av)))
	}
	if len(clauses) == 0 {
		return expression.Expression{}, false, nil
	}
	c := clauses[0]
	if len(clauses) > 1 {
		c = expression.And(clauses[0], clauses[1], clauses[2:]...)
	}
	expr, err := expression.NewBuilder().WithCondition(c).Build()
	if err != nil {
		return expression.Expression{}, false, errors.Annotatef(err, "build condition %s", cond)
	}
	return expr, true, nil
}

func toAttributeValue(v storage.Value) (types.AttributeValue, error) {
	switch v.Kind {
	case storage.KindString:
		return &types.AttributeValueMemberS{Value: v.S}, nil
	case storage.KindNumber:
		av, err := attributevalue.Marshal(v.N)
		return av, errors.Trace(err)
	case storage.KindBytes:
		return &types.AttributeValueMemberB{Value: v.B}, nil
	}
	return nil, errors.Errorf("dynamodb: cannot store value of kind %v", v.Kind)
}

func toAttributeValues(item storage.Item) (map[string]types.AttributeValue, error) {
	avs := make(map[string]types.AttributeValue, len(item)+1)
	for name, v := range item {
		av, err := toAttributeValue(v)
		if err != nil {
			return nil, err
		}
		avs[name] = av
	}
	return avs, nil
}

func (s *DynamoStorage) fromAttributeValues(avs map[string]types.AttributeValue) (storage.Item, error) {
	item := make(storage.Item, len(avs))
	for name, av := range avs {
		if name == s.keyAttr {
			continue
		}
		switch typed := av.(type) {
		case *types.AttributeValueMemberS:
			item[name] = storage.S(typed.Value)
		case *types.AttributeValueMemberN:
			var n int64
			if err := attributevalue.Unmarshal(typed, &n); err != nil {
				return nil, errors.Annotatef(err, "attribute %s", name)
			}
			item[name] = storage.N(n)
		case *types.AttributeValueMemberB:
			item[name] = storage.B(typed.Value)
		default:
			return nil, errors.Errorf("dynamodb: attribute %s has unsupported type %T", name, av)
		}
	}
	return item, nil
}
