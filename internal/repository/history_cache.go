package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"kitty-chat/internal/domain"
)

const (
	pkHistory     = "HISTORY"
	skGeneration  = "GEN"
	skPagePrefix  = "PAGE#"
	defaultTTL    = 5 * time.Minute
	attrGen       = "generation"
	attrPage      = "page"
	attrTTL       = "ttl"
	attrCreatedAt = "createdAt"
)

// dynamodbAPI is the minimal DynamoDB interface required by HistoryCache.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// HistoryCache keeps reconciled history pages in a DynamoDB table so that
// short-lived Lambda instances can share them. Pages are stored under the
// current generation; bumping the generation on every write to the provider
// orphans all earlier pages, which then expire via the table TTL.
type HistoryCache struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

// NewHistoryCache creates a cache over tableName. A non-positive ttl uses the
// default of five minutes.
func NewHistoryCache(api dynamodbAPI, tableName string, ttl time.Duration) (*HistoryCache, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &HistoryCache{api: api, tableName: tableName, ttl: ttl, now: time.Now}, nil
}

func genKey() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pkHistory},
		"SK": &types.AttributeValueMemberS{Value: skGeneration},
	}
}

// pagePK returns the partition key holding every page of one generation.
func pagePK(generation int64) string {
	return pkHistory + "#" + strconv.FormatInt(generation, 10)
}

// pageSK encodes the pagination cursor.
func pageSK(q domain.ListQuery) string {
	return fmt.Sprintf("%s%d#%s#%s", skPagePrefix, q.Limit, q.Order, q.After)
}

func pageKey(generation int64, q domain.ListQuery) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pagePK(generation)},
		"SK": &types.AttributeValueMemberS{Value: pageSK(q)},
	}
}

// Generation returns the current cache generation, zero if none was recorded.
func (c *HistoryCache) Generation(ctx context.Context) (int64, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            genKey(),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("repository: Generation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, nil
	}
	gen, err := int64Attr(out.Item, attrGen)
	if err != nil {
		return 0, fmt.Errorf("repository: Generation decode: %w", err)
	}
	return gen, nil
}

// GetPage returns the cached page for q under generation. Expired items that
// DynamoDB has not yet swept count as misses.
func (c *HistoryCache) GetPage(ctx context.Context, generation int64, q domain.ListQuery) (domain.HistoryPage, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       pageKey(generation, q),
	})
	if err != nil {
		return domain.HistoryPage{}, false, fmt.Errorf("repository: GetPage get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.HistoryPage{}, false, nil
	}

	expires, err := int64Attr(out.Item, attrTTL)
	if err != nil {
		return domain.HistoryPage{}, false, fmt.Errorf("repository: GetPage decode ttl: %w", err)
	}
	if c.now().Unix() >= expires {
		return domain.HistoryPage{}, false, nil
	}

	raw, err := strAttr(out.Item, attrPage)
	if err != nil {
		return domain.HistoryPage{}, false, fmt.Errorf("repository: GetPage decode page: %w", err)
	}
	var page domain.HistoryPage
	if err := json.Unmarshal([]byte(raw), &page); err != nil {
		return domain.HistoryPage{}, false, fmt.Errorf("repository: GetPage unmarshal: %w", err)
	}
	return page, true, nil
}

// PutPage stores page for q under generation with the configured TTL.
func (c *HistoryCache) PutPage(ctx context.Context, generation int64, q domain.ListQuery, page domain.HistoryPage) error {
	body, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("repository: PutPage marshal: %w", err)
	}

	now := c.now().UTC()
	item := pageKey(generation, q)
	item[attrPage] = &types.AttributeValueMemberS{Value: string(body)}
	item[attrCreatedAt] = &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)}
	item[attrTTL] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(c.ttl).Unix(), 10)}

	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: PutPage: %w", err)
	}
	return nil
}

// Invalidate atomically bumps the generation.
func (c *HistoryCache) Invalidate(ctx context.Context) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              genKey(),
		UpdateExpression: aws.String("ADD #gen :one"),
		ExpressionAttributeNames: map[string]string{
			"#gen": attrGen,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: Invalidate: %w", err)
	}
	return nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
