package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
)

// DynamoDB batch write limit
const batchWriteLimit = 25

type dynamoAPI interface {
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// MirrorItem is the DynamoDB shape of one telemetry point: partition key
// deviceId, sort key metricTs.
type MirrorItem struct {
	DeviceID  string  `dynamodbav:"deviceId"`
	MetricTs  string  `dynamodbav:"metricTs"`
	Metric    string  `dynamodbav:"metric"`
	Timestamp int64   `dynamodbav:"timestamp"`
	Value     float64 `dynamodbav:"value"`
	Quality   string  `dynamodbav:"quality"`
}

// TelemetryMirror copies ingested points into a DynamoDB table.
type TelemetryMirror struct {
	svc   dynamoAPI
	table string
}

func NewTelemetryMirror(cfg aws.Config, table string) *TelemetryMirror {
	return &TelemetryMirror{svc: dynamodb.NewFromConfig(cfg), table: table}
}

func mirrorItem(p domain.TelemetryPoint) MirrorItem {
	ms := p.Ts.UnixMilli()
	return MirrorItem{
		DeviceID:  p.DeviceID,
		MetricTs:  fmt.Sprintf("%s#%013d", p.Metric, ms),
		Metric:    p.Metric,
		Timestamp: ms,
		Value:     p.Value,
		Quality:   p.Quality,
	}
}

// MirrorPoints writes points in batches of 25. Items DynamoDB leaves
// unprocessed are reported as an error, not retried.
func (m *TelemetryMirror) MirrorPoints(ctx context.Context, points []domain.TelemetryPoint) error {
	for i := 0; i < len(points); i += batchWriteLimit {
		end := min(i+batchWriteLimit, len(points))

		batch := points[i:end]
		writeRequests := make([]types.WriteRequest, len(batch))
		for j, p := range batch {
			item, err := attributevalue.MarshalMap(mirrorItem(p))
			if err != nil {
				return fmt.Errorf("failed to marshal point %d: %w", i+j, err)
			}
			writeRequests[j] = types.WriteRequest{PutRequest: &types.PutRequest{Item: item}}
		}

		out, err := m.svc.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{m.table: writeRequests},
		})
		if err != nil {
			return fmt.Errorf("failed to batch write items: %w", err)
		}
		if left := len(out.UnprocessedItems[m.table]); left > 0 {
			return fmt.Errorf("%d of %d items left unprocessed", left, len(batch))
		}
	}
	return nil
}
