package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/ccf-recovery-service/interfaces"
)

// MockSecretStore implements interfaces.SecretStore for testing
type MockSecretStore struct {
	mock.Mock
	name string
}

func (m *MockSecretStore) Get(ctx context.Context, name string) (*interfaces.Secret, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.Secret), args.Error(1)
}

func (m *MockSecretStore) Create(ctx context.Context, secret *interfaces.Secret) error {
	return m.Called(ctx, secret).Error(0)
}

func (m *MockSecretStore) Set(ctx context.Context, secret *interfaces.Secret) error {
	return m.Called(ctx, secret).Error(0)
}

func (m *MockSecretStore) List(ctx context.Context, filter map[string]string) ([]interfaces.SecretMetadata, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]interfaces.SecretMetadata), args.Error(1)
}

func (m *MockSecretStore) Available(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *MockSecretStore) Name() string {
	return m.name
}

func (m *MockSecretStore) LocationURI() string {
	return "mock:" + m.name
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReplicatedBackend_Available(t *testing.T) {
	tests := []struct {
		name     string
		backends []bool
		expected bool
	}{
		{name: "all backends available", backends: []bool{true, true, true}, expected: true},
		{name: "some backends available", backends: []bool{false, true, false}, expected: true},
		{name: "no backends available", backends: []bool{false, false, false}, expected: false},
		{name: "no backends", backends: []bool{}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []interfaces.SecretStore
			for i, available := range tt.backends {
				m := &MockSecretStore{name: fmt.Sprintf("mock-%d", i)}
				m.On("Available", mock.Anything).Return(available).Maybe()
				backends = append(backends, m)
			}

			replicated := NewReplicatedBackend(backends, testLogger())
			assert.Equal(t, tt.expected, replicated.Available(context.Background()))

			for _, backend := range backends {
				backend.(*MockSecretStore).AssertExpectations(t)
			}
		})
	}
}

func TestReplicatedBackend_Get(t *testing.T) {
	secret := &interfaces.Secret{Name: "report-abc", Value: []byte("test data")}
	testErr := errors.New("test error")

	tests := []struct {
		name        string
		setupMocks  func() []interfaces.SecretStore
		expected    *interfaces.Secret
		expectedErr error
	}{
		{
			name: "first backend successful",
			setupMocks: func() []interfaces.SecretStore {
				m1 := &MockSecretStore{name: "mock-A"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Get", mock.Anything, secret.Name).Return(secret, nil)

				// not consulted once the first backend answers
				m2 := &MockSecretStore{name: "mock-B"}
				return []interfaces.SecretStore{m1, m2}
			},
			expected: secret,
		},
		{
			name: "first backend fails, second succeeds",
			setupMocks: func() []interfaces.SecretStore {
				m1 := &MockSecretStore{name: "mock-A"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Get", mock.Anything, secret.Name).Return(nil, testErr)

				m2 := &MockSecretStore{name: "mock-B"}
				m2.On("Available", mock.Anything).Return(true)
				m2.On("Get", mock.Anything, secret.Name).Return(secret, nil)
				return []interfaces.SecretStore{m1, m2}
			},
			expected: secret,
		},
		{
			name: "primary miss is authoritative",
			setupMocks: func() []interfaces.SecretStore {
				m1 := &MockSecretStore{name: "mock-A"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Get", mock.Anything, secret.Name).Return(nil, interfaces.ErrSecretNotFound)

				// a stale replica is never consulted
				m2 := &MockSecretStore{name: "mock-B"}
				return []interfaces.SecretStore{m1, m2}
			},
			expectedErr: interfaces.ErrSecretNotFound,
		},
		{
			name: "primary down, replica serves",
			setupMocks: func() []interfaces.SecretStore {
				m1 := &MockSecretStore{name: "mock-A"}
				m1.On("Available", mock.Anything).Return(false)

				m2 := &MockSecretStore{name: "mock-B"}
				m2.On("Available", mock.Anything).Return(true)
				m2.On("Get", mock.Anything, secret.Name).Return(secret, nil)
				return []interfaces.SecretStore{m1, m2}
			},
			expected: secret,
		},
		{
			name: "primary down, replica misses",
			setupMocks: func() []interfaces.SecretStore {
				m1 := &MockSecretStore{name: "mock-A"}
				m1.On("Available", mock.Anything).Return(false)

				m2 := &MockSecretStore{name: "mock-B"}
				m2.On("Available", mock.Anything).Return(true)
				m2.On("Get", mock.Anything, secret.Name).Return(nil, interfaces.ErrSecretNotFound)
				return []interfaces.SecretStore{m1, m2}
			},
			expectedErr: interfaces.ErrBackendUnavailable,
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.SecretStore {
				m1 := &MockSecretStore{name: "mock-A"}
				m1.On("Available", mock.Anything).Return(true)
				m1.On("Get", mock.Anything, secret.Name).Return(nil, testErr)

				m2 := &MockSecretStore{name: "mock-B"}
				m2.On("Available", mock.Anything).Return(true)
				m2.On("Get", mock.Anything, secret.Name).Return(nil, interfaces.ErrSecretNotFound)
				return []interfaces.SecretStore{m1, m2}
			},
			expectedErr: interfaces.ErrBackendUnavailable,
		},
		{
			name: "nothing available",
			setupMocks: func() []interfaces.SecretStore {
				m1 := &MockSecretStore{name: "mock-A"}
				m1.On("Available", mock.Anything).Return(false)
				return []interfaces.SecretStore{m1}
			},
			expectedErr: interfaces.ErrBackendUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			replicated := NewReplicatedBackend(backends, testLogger())

			got, err := replicated.Get(context.Background(), secret.Name)
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expected, got)

			for _, backend := range backends {
				backend.(*MockSecretStore).AssertExpectations(t)
			}
		})
	}
}

func TestReplicatedBackend_Create(t *testing.T) {
	secret := &interfaces.Secret{Name: "k-signing-key", Value: []byte("key")}
	testErr := errors.New("test error")

	t.Run("primary creates, secondary replicates", func(t *testing.T) {
		m1 := &MockSecretStore{name: "mock-A"}
		m1.On("Available", mock.Anything).Return(true)
		m1.On("Create", mock.Anything, secret).Return(nil)
		m2 := &MockSecretStore{name: "mock-B"}
		m2.On("Available", mock.Anything).Return(true)
		m2.On("Set", mock.Anything, secret).Return(testErr)

		replicated := NewReplicatedBackend([]interfaces.SecretStore{m1, m2}, testLogger())
		require.NoError(t, replicated.Create(context.Background(), secret))
		m1.AssertExpectations(t)
		m2.AssertExpectations(t)
	})

	t.Run("primary reports existing secret", func(t *testing.T) {
		m1 := &MockSecretStore{name: "mock-A"}
		m1.On("Available", mock.Anything).Return(true)
		m1.On("Create", mock.Anything, secret).Return(interfaces.ErrSecretExists)
		m2 := &MockSecretStore{name: "mock-B"}

		replicated := NewReplicatedBackend([]interfaces.SecretStore{m1, m2}, testLogger())
		assert.ErrorIs(t, replicated.Create(context.Background(), secret), interfaces.ErrSecretExists)
		m1.AssertExpectations(t)
		m2.AssertExpectations(t)
	})

	t.Run("unavailable primary is not replaced by a replica", func(t *testing.T) {
		m1 := &MockSecretStore{name: "mock-A"}
		m1.On("Available", mock.Anything).Return(false)
		m2 := &MockSecretStore{name: "mock-B"}

		replicated := NewReplicatedBackend([]interfaces.SecretStore{m1, m2}, testLogger())
		assert.ErrorIs(t, replicated.Create(context.Background(), secret), interfaces.ErrBackendUnavailable)
		m1.AssertExpectations(t)
		m2.AssertExpectations(t)
	})

	t.Run("nothing available", func(t *testing.T) {
		m1 := &MockSecretStore{name: "mock-A"}
		m1.On("Available", mock.Anything).Return(false)

		replicated := NewReplicatedBackend([]interfaces.SecretStore{m1}, testLogger())
		assert.ErrorIs(t, replicated.Create(context.Background(), secret), interfaces.ErrBackendUnavailable)
	})
}

func TestReplicatedBackend_Set(t *testing.T) {
	secret := &interfaces.Secret{Name: "sps-policy", Value: []byte("{}")}
	testErr := errors.New("test error")

	tests := []struct {
		name          string
		results       []error
		expectedError bool
	}{
		{name: "all backends successful", results: []error{nil, nil}},
		{name: "replica fails", results: []error{nil, testErr}},
		{name: "primary fails", results: []error{testErr}, expectedError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []interfaces.SecretStore
			for i, result := range tt.results {
				m := &MockSecretStore{name: fmt.Sprintf("mock-%d", i)}
				m.On("Available", mock.Anything).Return(true)
				m.On("Set", mock.Anything, secret).Return(result)
				backends = append(backends, m)
			}

			err := NewReplicatedBackend(backends, testLogger()).Set(context.Background(), secret)
			if tt.expectedError {
				assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
			} else {
				assert.NoError(t, err)
			}
			for _, backend := range backends {
				backend.(*MockSecretStore).AssertExpectations(t)
			}
		})
	}
}

func TestReplicatedBackend_List(t *testing.T) {
	filter := map[string]string{"ccf-key-type": "member-key"}

	m1 := &MockSecretStore{name: "mock-A"}
	m1.On("Available", mock.Anything).Return(true)
	m1.On("List", mock.Anything, filter).Return([]interfaces.SecretMetadata{{Name: "b"}, {Name: "a"}}, nil)
	m2 := &MockSecretStore{name: "mock-B"}
	m2.On("Available", mock.Anything).Return(true)
	m2.On("List", mock.Anything, filter).Return([]interfaces.SecretMetadata{{Name: "a"}, {Name: "c"}}, nil)
	m3 := &MockSecretStore{name: "mock-C"}
	m3.On("Available", mock.Anything).Return(true)
	m3.On("List", mock.Anything, filter).Return(nil, errors.New("denied"))

	replicated := NewReplicatedBackend([]interfaces.SecretStore{m1, m2, m3}, testLogger())
	items, err := replicated.List(context.Background(), filter)
	require.NoError(t, err)

	var names []string
	for _, item := range items {
		names = append(names, item.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
	assert.Equal(t, "replicated:[mock:mock-A,mock:mock-B,mock:mock-C]", replicated.LocationURI())
}
