package usecase

import (
	"context"
	"sync"

	"mailflow/services/messages/internal/entity"

	"github.com/stretchr/testify/mock"
)

type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	return m.Called(to, subject, htmlBody).Error(0)
}

type MockSMSSender struct {
	mock.Mock
}

func (m *MockSMSSender) Send(ctx context.Context, to, text string) error {
	return m.Called(to, text).Error(0)
}

type MockDeliveryRepository struct {
	mock.Mock
}

func (m *MockDeliveryRepository) Create(ctx context.Context, delivery *entity.Delivery) error {
	return m.Called(delivery).Error(0)
}

func (m *MockDeliveryRepository) List(ctx context.Context, filter entity.DeliveryFilter) ([]*entity.Delivery, int64, error) {
	args := m.Called(filter)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*entity.Delivery), args.Get(1).(int64), args.Error(2)
}

type MockStatusPublisher struct {
	mock.Mock
}

func (m *MockStatusPublisher) Publish(ctx context.Context, event entity.StatusEvent) error {
	return m.Called(event).Error(0)
}

// memoryRecorder keeps recorded deliveries for assertions.
type memoryRecorder struct {
	mu   sync.Mutex
	rows []entity.Delivery
}

func (r *memoryRecorder) Record(ctx context.Context, d *entity.Delivery) {
	r.mu.Lock()
	r.rows = append(r.rows, *d)
	r.mu.Unlock()
}

func (r *memoryRecorder) deliveries() []entity.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]entity.Delivery(nil), r.rows...)
}
