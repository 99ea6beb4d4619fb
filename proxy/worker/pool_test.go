package worker

import (
	"context"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/counselhq/counsel/pkg/eventstream"
	"github.com/counselhq/counsel/pkg/storage"
	"github.com/counselhq/counsel/pkg/storage/inmemory"
)

// capturePublisher records published events so specs can assert on them
// after the pool drains.
type capturePublisher struct {
	mu     sync.Mutex
	events []*eventstream.Event
	fail   bool
}

func (c *capturePublisher) Publish(_ context.Context, event *eventstream.Event) error {
	if c.fail {
		return errors.New("broker unavailable")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func (c *capturePublisher) published() []*eventstream.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*eventstream.Event(nil), c.events...)
}

// seedCase creates a user and one case for that user.
func seedCase(driver *inmemory.Driver) (*storage.User, *storage.Case) {
	ctx := context.Background()

	user, err := driver.CreateUser(ctx, &storage.User{
		Email:        "lawyer@firm.example",
		PasswordHash: "$2a$10$hash",
		Role:         storage.RoleMember,
		Active:       true,
	})
	Expect(err).NotTo(HaveOccurred())

	kase, err := driver.CreateCase(ctx, &storage.Case{
		UID:    "case-abc",
		UserID: user.ID,
		Title:  "Contract dispute",
	})
	Expect(err).NotTo(HaveOccurred())

	return user, kase
}

// newTestPool creates a worker pool backed by an in-memory driver and a
// capturing publisher. Callers should "wp.Close()" to drain enqueued jobs
// before asserting storage state.
func newTestPool(numWorkers uint) (*Pool, *inmemory.Driver, *capturePublisher) {
	logger, _ := zap.NewDevelopment()
	driver := inmemory.NewDriver()
	publisher := &capturePublisher{}

	wp, err := NewPool(&Config{
		Driver:     driver,
		Publisher:  publisher,
		NumWorkers: numWorkers,
		Logger:     logger,
	})
	Expect(err).NotTo(HaveOccurred())

	return wp, driver, publisher
}

var _ = Describe("Worker Pool", func() {
	var (
		wp        *Pool
		driver    *inmemory.Driver
		publisher *capturePublisher
		user      *storage.User
		kase      *storage.Case
		ctx       context.Context
	)

	BeforeEach(func() {
		wp, driver, publisher = newTestPool(0)
		user, kase = seedCase(driver)
		ctx = context.Background()
	})

	Describe("Enqueue", func() {
		It("returns true when the queue has capacity", func() {
			ok := wp.Enqueue(Job{
				CaseID:  kase.ID,
				CaseUID: kase.UID,
				UserID:  user.ID,
				Role:    "assistant",
				Content: "hello",
				Type:    "chat",
			})
			Expect(ok).To(BeTrue())
			wp.Close()
		})
	})

	Describe("Turn persistence", func() {
		BeforeEach(func() {
			wp.Enqueue(Job{
				CaseID:  kase.ID,
				CaseUID: kase.UID,
				UserID:  user.ID,
				Role:    "assistant",
				Content: "The statute of limitations is six years.",
				Type:    "chat",
			})

			// Drain the worker pool so persistence completes before assertions
			wp.Close()
		})

		It("appends the turn to the case transcript", func() {
			messages, err := driver.ListMessages(ctx, kase.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(messages).To(HaveLen(1))
			Expect(messages[0].Role).To(Equal("assistant"))
			Expect(messages[0].Content).To(Equal("The statute of limitations is six years."))
		})

		It("publishes a turn-persisted event for the stored turn", func() {
			events := publisher.published()
			Expect(events).To(HaveLen(1))
			Expect(events[0].EventType).To(Equal(eventstream.EventTypeTurnPersisted))
			Expect(events[0].CaseUID).To(Equal(kase.UID))
			Expect(events[0].UserID).To(Equal(user.ID))
			Expect(events[0].Turn).NotTo(BeNil())
			Expect(events[0].Turn.Role).To(Equal("assistant"))
			Expect(events[0].Turn.Chars).To(Equal(len("The statute of limitations is six years.")))
			Expect(events[0].Turn.Type).To(Equal("chat"))
		})
	})

	Describe("Multi-turn ordering", func() {
		It("persists turns in enqueue order with a single worker", func() {
			// One worker makes job completion order deterministic
			wp.Close()
			wp, driver, publisher = newTestPool(1)
			user, kase = seedCase(driver)

			wp.Enqueue(Job{CaseID: kase.ID, CaseUID: kase.UID, UserID: user.ID, Role: "assistant", Content: "first reply", Type: "chat"})
			wp.Enqueue(Job{CaseID: kase.ID, CaseUID: kase.UID, UserID: user.ID, Role: "assistant", Content: "second reply", Type: "analyze"})
			wp.Close()

			messages, err := driver.ListMessages(ctx, kase.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(messages).To(HaveLen(2))
			Expect(messages[0].Content).To(Equal("first reply"))
			Expect(messages[1].Content).To(Equal("second reply"))

			events := publisher.published()
			Expect(events).To(HaveLen(2))
			Expect(events[0].Turn.Type).To(Equal("chat"))
			Expect(events[1].Turn.Type).To(Equal("analyze"))
		})
	})

	Describe("Publish failures", func() {
		It("still persists the turn when the publisher fails", func() {
			publisher.fail = true

			wp.Enqueue(Job{
				CaseID:  kase.ID,
				CaseUID: kase.UID,
				UserID:  user.ID,
				Role:    "assistant",
				Content: "stored despite broker outage",
				Type:    "chat",
			})
			wp.Close()

			messages, err := driver.ListMessages(ctx, kase.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(messages).To(HaveLen(1))
			Expect(publisher.published()).To(BeEmpty())
		})
	})

	Describe("Nil publisher", func() {
		It("persists turns without publishing", func() {
			wp.Close()

			logger, _ := zap.NewDevelopment()
			var err error
			wp, err = NewPool(&Config{Driver: driver, Logger: logger})
			Expect(err).NotTo(HaveOccurred())

			wp.Enqueue(Job{
				CaseID:  kase.ID,
				CaseUID: kase.UID,
				UserID:  user.ID,
				Role:    "assistant",
				Content: "no events configured",
				Type:    "chat",
			})
			wp.Close()

			messages, err := driver.ListMessages(ctx, kase.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(messages).To(HaveLen(1))
		})
	})
})
