package service

import (
	"github.com/gogo/status"
	"google.golang.org/grpc/codes"
)

var ErrNoFaceDetected = status.New(codes.NotFound, "No face was detected in the input image").Err()
var ErrEngineNotReady = status.New(codes.Unavailable, "The tensor engine is not ready to serve inference requests").Err()
var ErrInvalidDescriptor = status.New(codes.Internal, "The stored descriptor could not be decoded").Err()
