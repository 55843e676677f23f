// Package metrics publishes per-batch processing counters.
package metrics

import (
	"context"
	"fmt"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/imrishuroy/orderpipeline/internal/aws"
)

// Namespace is the CloudWatch namespace used for order metrics.
const Namespace = "ECommerce/OrderProcessing"

// Recorder records how many orders reached a terminal status in a batch.
type Recorder interface {
	RecordBatch(ctx context.Context, successful, failed int) error
}

// Nop discards metrics.
type Nop struct{}

func (Nop) RecordBatch(context.Context, int, int) error { return nil }

// CloudWatch puts SuccessfulOrders and FailedOrders counts.
type CloudWatch struct {
	client    aws.CloudWatchAPI
	namespace string
	nowFunc   func() time.Time
}

func NewCloudWatch(client aws.CloudWatchAPI) *CloudWatch {
	return &CloudWatch{client: client, namespace: Namespace, nowFunc: time.Now}
}

func (c *CloudWatch) RecordBatch(ctx context.Context, successful, failed int) error {
	if successful == 0 && failed == 0 {
		return nil
	}
	now := c.nowFunc().UTC()
	_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: &c.namespace,
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: sdkaws.String("SuccessfulOrders"),
				Value:      sdkaws.Float64(float64(successful)),
				Unit:       cwtypes.StandardUnitCount,
				Timestamp:  &now,
			},
			{
				MetricName: sdkaws.String("FailedOrders"),
				Value:      sdkaws.Float64(float64(failed)),
				Unit:       cwtypes.StandardUnitCount,
				Timestamp:  &now,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}
