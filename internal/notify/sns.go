package notify

import (
	"context"
	"fmt"
	"strings"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/imrishuroy/orderpipeline/internal/aws"
)

// SNS publishes notifications to a topic, typically with an SMS subscription.
type SNS struct {
	client   aws.SNSAPI
	topicARN string
}

func NewSNS(client aws.SNSAPI, topicARN string) *SNS {
	return &SNS{client: client, topicARN: topicARN}
}

func (s *SNS) Notify(ctx context.Context, n Notification) error {
	_, err := s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: &s.topicARN,
		Message:  sdkaws.String(n.Summary),
		Subject:  sdkaws.String("eCommerce Order " + strings.ToUpper(string(n.Event))),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"order_id": {DataType: sdkaws.String("String"), StringValue: sdkaws.String(n.OrderID)},
			"event":    {DataType: sdkaws.String("String"), StringValue: sdkaws.String(string(n.Event))},
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s notification for %s: %w", n.Event, n.OrderID, err)
	}
	return nil
}
