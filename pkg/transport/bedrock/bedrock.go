// Package bedrock adapts the AWS Bedrock bidirectional invoke API to the
// engine's duplex transport contract.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/parlance-ai/sonicbridge/pkg/transport"
)

const defaultModelID = "amazon.nova-sonic-v1:0"

type Config struct {
	Region  string
	ModelID string
}

// Duplex opens Nova Sonic streams via InvokeModelWithBidirectionalStream.
type Duplex struct {
	client  *bedrockruntime.Client
	modelID string
	logger  *slog.Logger
}

// New builds a Duplex using the default AWS credential chain.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Duplex, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.ModelID == "" {
		cfg.ModelID = defaultModelID
	}
	if logger == nil {
		logger = slog.Default()
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Duplex{
		client:  bedrockruntime.NewFromConfig(awsCfg),
		modelID: cfg.ModelID,
		logger:  logger,
	}, nil
}

// Open starts the bidirectional invoke, pumps src into the request stream,
// and forwards response chunks and stream faults as frames.
func (d *Duplex) Open(ctx context.Context, src transport.Source) (<-chan transport.Frame, error) {
	if d == nil || d.client == nil {
		return nil, errors.New("bedrock duplex is not initialized")
	}

	out, err := d.client.InvokeModelWithBidirectionalStream(ctx, &bedrockruntime.InvokeModelWithBidirectionalStreamInput{
		ModelId: aws.String(d.modelID),
	})
	if err != nil {
		return nil, fmt.Errorf("invoke bidirectional stream: %w", err)
	}
	stream := out.GetStream()

	go func() {
		defer func() {
			if err := stream.Close(); err != nil {
				d.logger.Debug("close request stream", "err", err)
			}
		}()
		for {
			payload, err := src.Next(ctx)
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
					d.logger.Warn("outbound source failed", "err", err)
				}
				return
			}
			chunk := &brtypes.InvokeModelWithBidirectionalStreamInputMemberChunk{
				Value: brtypes.BidirectionalInputPayloadPart{Bytes: payload},
			}
			if err := stream.Send(ctx, chunk); err != nil {
				d.logger.Warn("send request chunk", "err", err)
				return
			}
		}
	}()

	frames := make(chan transport.Frame, 64)
	go func() {
		defer close(frames)
		for event := range stream.Events() {
			chunk, ok := event.(*brtypes.InvokeModelWithBidirectionalStreamOutputMemberChunk)
			if !ok || chunk.Value.Bytes == nil {
				continue
			}
			select {
			case frames <- transport.Frame{Payload: chunk.Value.Bytes}:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			frames <- transport.Frame{Fault: classifyStreamErr(err)}
		}
	}()
	return frames, nil
}

func classifyStreamErr(err error) *transport.Fault {
	var modelErr *brtypes.ModelStreamErrorException
	if errors.As(err, &modelErr) {
		return &transport.Fault{Kind: transport.FaultModelStream, Err: err}
	}
	var serverErr *brtypes.InternalServerException
	if errors.As(err, &serverErr) {
		return &transport.Fault{Kind: transport.FaultInternalServer, Err: err}
	}
	return &transport.Fault{Kind: transport.FaultInternalServer, Err: err}
}
