package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/homegauge/homegauge/pkg/storage"
	"github.com/homegauge/homegauge/pkg/types"
)

type MockWriter struct {
	mock.Mock
}

var (
	_ storage.Writer       = (*MockWriter)(nil)
	_ storage.LatestReader = (*MockWriter)(nil)
)

func (m *MockWriter) Write(ctx context.Context, points ...types.Point) error {
	args := m.Called(ctx, points)
	return args.Error(0)
}

func (m *MockWriter) LatestTime(ctx context.Context, measurement string) (time.Time, bool, error) {
	args := m.Called(ctx, measurement)
	return args.Get(0).(time.Time), args.Bool(1), args.Error(2)
}

func (m *MockWriter) Close() error {
	args := m.Called()
	return args.Error(0)
}
