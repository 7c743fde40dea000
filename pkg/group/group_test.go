package group

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microshed/microshed-testing-go/pkg/container"
	"github.com/microshed/microshed-testing-go/pkg/errdefs"
)

func reset(t *testing.T) {
	t.Helper()
	ResetForTesting()
	t.Cleanup(ResetForTesting)
}

func TestBuildPartitionsSharedAndUnshared(t *testing.T) {
	reset(t)

	db := container.New("postgres:16")
	mock := container.New("mockserver/mockserver")
	app := container.NewApplication("app:latest")

	shared := NewSharedConfig("AppDeploymentConfig").
		Declare("App", app).
		Declare("DB", db)
	suite := NewSuite("PersonServiceIT").
		UseShared(shared).
		Declare("Mock", mock)

	g, err := Build(suite)
	require.NoError(t, err)

	assert.Same(t, suite, g.Suite())
	assert.Same(t, shared, g.Shared())
	assert.Equal(t, []*container.Container{app, db}, g.SharedContainers())
	assert.Equal(t, []*container.Container{mock}, g.Unshared())
	assert.Equal(t, []*container.Container{app, db, mock}, g.All())
	assert.Same(t, app, g.App())
	assert.Equal(t, "App", g.AppField())
}

func TestBuildIsCachedPerSuite(t *testing.T) {
	reset(t)

	suite := NewSuite("CachedIT").Declare("App", container.NewApplication("app:latest"))
	first, err := Build(suite)
	require.NoError(t, err)

	// A later declaration is not re-validated.
	suite.Declare("Other", container.NewApplication("other:latest"))
	second, err := Build(suite)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestConcurrentBuildRunsOnce(t *testing.T) {
	reset(t)

	var calls atomic.Int32
	orig := buildGroup
	t.Cleanup(func() { buildGroup = orig })
	buildGroup = func(s *Suite) (*ContainerGroup, error) {
		calls.Add(1)
		return orig(s)
	}

	app := container.NewApplication("app:latest")
	shared := NewSharedConfig("ConcurrentShared").Declare("App", app)
	suite := NewSuite("ConcurrentIT").UseShared(shared).Declare("DB", container.New("postgres:16"))
	other := NewSuite("OtherConcurrentIT").UseShared(shared)

	const workers = 16
	var (
		wg     sync.WaitGroup
		start  = make(chan struct{})
		groups = make([]*ContainerGroup, workers)
		others = make([]*ContainerGroup, workers)
		errs   = make([]error, 2*workers)
	)
	for i := range workers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			groups[i], errs[i] = Build(suite)
		}()
		go func() {
			defer wg.Done()
			<-start
			others[i], errs[workers+i] = Build(other)
		}()
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	for i := range workers {
		assert.Same(t, groups[0], groups[i])
		assert.Same(t, others[0], others[i])
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Same(t, app, groups[0].App())
	assert.Same(t, groups[0].App(), others[0].App())
}

func TestMultipleApplicationContainers(t *testing.T) {
	reset(t)

	suite := NewSuite("TwoAppsIT").
		Declare("AppOne", container.NewApplication("one:latest")).
		Declare("AppTwo", container.NewApplication("two:latest"))

	_, err := Build(suite)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	assert.Contains(t, err.Error(), "AppOne (ApplicationContainer[one:latest])")
	assert.Contains(t, err.Error(), "AppTwo (ApplicationContainer[two:latest])")

	// The failure is cached too.
	_, again := Build(suite)
	assert.Equal(t, err, again)
}

func TestNoApplicationContainerIsLegal(t *testing.T) {
	reset(t)

	g, err := Build(NewSuite("DepsOnlyIT").Declare("Kafka", container.NewKafka("")))
	require.NoError(t, err)
	assert.Nil(t, g.App())
	assert.Equal(t, "", g.AppField())
	assert.Len(t, g.All(), 1)
}

func TestFieldValidationReportsEveryField(t *testing.T) {
	reset(t)

	suite := NewSuite("BadFieldsIT").
		Declare("hidden", container.New("redis:7")).
		Declare("Nil", (*container.Container)(nil)).
		Declare("Text", "not a container").
		Declare("Good", container.New("redis:7"))

	_, err := Build(suite)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	assert.Contains(t, err.Error(), `field "hidden" on Suite[BadFieldsIT] must be exported`)
	assert.Contains(t, err.Error(), "field Nil on Suite[BadFieldsIT] is a nil container")
	assert.Contains(t, err.Error(), "field Text on Suite[BadFieldsIT] must be a *container.Container, got string")
}

func TestDescriptorErrorsFailFast(t *testing.T) {
	reset(t)

	suite := NewSuite("ReuseIT").Declare("App", container.NewApplication("app:latest").WithReuse("app"))
	_, err := Build(suite)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	assert.Contains(t, err.Error(), "field App on Suite[ReuseIT]")
}

func TestDuplicatesRemoved(t *testing.T) {
	reset(t)

	db := container.New("postgres:16")
	shared := NewSharedConfig("Shared").Declare("DB", db)
	parent := NewSuite("BaseIT").Declare("DB", db)
	suite := NewSuite("ChildIT").Extends(parent).UseShared(shared).Declare("Alias", db)

	g, err := Build(suite)
	require.NoError(t, err)
	assert.Equal(t, []*container.Container{db}, g.All())
	assert.Empty(t, g.Unshared())
}

func TestExtendsIncludesParentContainers(t *testing.T) {
	reset(t)

	base := container.New("redis:7")
	own := container.New("mockserver/mockserver")
	parent := NewSuite("BaseIT").Declare("Cache", base)
	suite := NewSuite("ChildIT").Extends(parent).Declare("Mock", own)

	g, err := Build(suite)
	require.NoError(t, err)
	assert.Equal(t, []*container.Container{base, own}, g.Unshared())
}

func TestExtendsCycleIsConfigurationError(t *testing.T) {
	reset(t)

	a := NewSuite("AIT").Declare("Cache", container.New("redis:7"))
	b := NewSuite("BIT").Extends(a)
	a.Extends(b)

	_, err := Build(a)
	require.ErrorIs(t, err, errdefs.ErrConfiguration)
	assert.Contains(t, err.Error(), "AIT -> BIT -> AIT")

	self := NewSuite("SelfIT")
	self.Extends(self)
	_, err = Build(self)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestExtendsDiamondIsNotACycle(t *testing.T) {
	reset(t)

	base := container.New("redis:7")
	root := NewSuite("RootIT").Declare("Cache", base)
	left := NewSuite("LeftIT").Extends(root)
	right := NewSuite("RightIT").Extends(root)
	child := NewSuite("ChildIT").Extends(left).Extends(right)

	g, err := Build(child)
	require.NoError(t, err)
	assert.Equal(t, []*container.Container{base}, g.Unshared())
}

func TestSharedConfigIsTrulyShared(t *testing.T) {
	reset(t)

	app := container.NewApplication("app:latest")
	shared := NewSharedConfig("Shared").Declare("App", app)

	a, err := Build(NewSuite("AIT").UseShared(shared))
	require.NoError(t, err)
	b, err := Build(NewSuite("BIT").UseShared(shared))
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	require.Len(t, a.SharedContainers(), 1)
	assert.Same(t, a.SharedContainers()[0], b.SharedContainers()[0])
	assert.Same(t, a.App(), b.App())
}

func TestSharedApplicationCountsTowardsLimit(t *testing.T) {
	reset(t)

	shared := NewSharedConfig("Shared").Declare("App", container.NewApplication("one:latest"))
	suite := NewSuite("ConflictIT").UseShared(shared).Declare("Local", container.NewApplication("two:latest"))

	_, err := Build(suite)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	assert.Contains(t, err.Error(), "App (ApplicationContainer[one:latest])")
	assert.Contains(t, err.Error(), "Local (ApplicationContainer[two:latest])")
}

func TestSuiteSettings(t *testing.T) {
	called := false
	shared := NewSharedConfig("Ordered").WithStartProcedure(func(context.Context) error {
		called = true
		return nil
	})
	require.NotNil(t, shared.StartProcedure())
	require.NoError(t, shared.StartProcedure()(context.Background()))
	assert.True(t, called)
	assert.Nil(t, NewSharedConfig("Plain").StartProcedure())

	s := NewSuite("JWTIT")
	assert.False(t, s.JWTRequired())
	assert.True(t, s.RequireJWT().JWTRequired())
	assert.Equal(t, "JWTIT", s.Name())
}
