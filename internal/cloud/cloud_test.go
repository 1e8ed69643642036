package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ANIKETSHETTY47/heatpump-fleet-monitor/internal/domain"
)

type fakeSNS struct {
	inputs []*sns.PublishInput
	fail   map[string]bool
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.fail[aws.ToString(in.TargetArn)] {
		return nil, errors.New("EndpointDisabled")
	}
	return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
}

func TestSNSPushSenderCountsDeliveries(t *testing.T) {
	api := &fakeSNS{fail: map[string]bool{"arn:b": true}}
	sender := &SNSPushSender{svc: api}

	n, err := sender.Send(context.Background(), []string{"arn:a", "arn:b", "arn:c"}, domain.PushMessage{
		Title: "Critical alert",
		Body:  "Device offline for more than 60 minutes",
		Data:  map[string]string{"alertId": "a-1"},
	})

	assert.Equal(t, 2, n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "arn:b")
	require.Len(t, api.inputs, 3)
	assert.Equal(t, "json", aws.ToString(api.inputs[0].MessageStructure))

	var env map[string]string
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(api.inputs[0].Message)), &env))
	assert.Equal(t, "Device offline for more than 60 minutes", env["default"])
	assert.Contains(t, env["GCM"], `"alertId":"a-1"`)
	assert.Contains(t, env["APNS"], `"title":"Critical alert"`)
}

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3ArchivePut(t *testing.T) {
	api := &fakeS3{}
	archive := &S3Archive{svc: api, bucket: "history"}

	require.NoError(t, archive.Put(context.Background(), "history/2026/03/01/dev-1/1.json", []byte(`{"points":[]}`)))

	assert.Equal(t, "history", aws.ToString(api.input.Bucket))
	assert.Equal(t, "history/2026/03/01/dev-1/1.json", aws.ToString(api.input.Key))
	assert.Equal(t, "application/json", aws.ToString(api.input.ContentType))
	assert.Equal(t, `{"points":[]}`, string(api.body))
}

type fakeDynamo struct {
	batches     [][]types.WriteRequest
	unprocessed int
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	reqs := in.RequestItems["telemetry"]
	f.batches = append(f.batches, reqs)
	out := &dynamodb.BatchWriteItemOutput{}
	if f.unprocessed > 0 {
		out.UnprocessedItems = map[string][]types.WriteRequest{"telemetry": reqs[:f.unprocessed]}
	}
	return out, nil
}

func points(n int) []domain.TelemetryPoint {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := make([]domain.TelemetryPoint, n)
	for i := range out {
		out[i] = domain.TelemetryPoint{DeviceID: "dev-1", Metric: "cop", Ts: ts.Add(time.Duration(i) * time.Second), Value: 3, Quality: domain.QualityGood}
	}
	return out
}

func TestTelemetryMirrorBatchesBy25(t *testing.T) {
	api := &fakeDynamo{}
	mirror := &TelemetryMirror{svc: api, table: "telemetry"}

	require.NoError(t, mirror.MirrorPoints(context.Background(), points(60)))

	require.Len(t, api.batches, 3)
	assert.Len(t, api.batches[0], 25)
	assert.Len(t, api.batches[2], 10)

	var item MirrorItem
	require.NoError(t, attributevalue.UnmarshalMap(api.batches[0][0].PutRequest.Item, &item))
	assert.Equal(t, "dev-1", item.DeviceID)
	assert.Equal(t, "cop#1772366400000", item.MetricTs)
}

func TestTelemetryMirrorReportsUnprocessed(t *testing.T) {
	mirror := &TelemetryMirror{svc: &fakeDynamo{unprocessed: 2}, table: "telemetry"}

	err := mirror.MirrorPoints(context.Background(), points(3))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 3")
}
