package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/notify"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/realtime"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/repository"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/worker"
)

// NotificationData is the template data for a notification.
type NotificationData = notify.Data

// NotificationServiceImpl implements NotificationService.
type NotificationServiceImpl struct {
	repos   *repository.Repositories
	hub     realtime.Hub
	queue   JobQueue
	mailer  EmailSender
	sms     SMSSender
	metrics *utils.MetricsCollector
}

// NewNotificationService creates the notification service. hub and queue
// may be nil. Without a queue, email and SMS are sent inline.
func NewNotificationService(repos *repository.Repositories, hub realtime.Hub, queue JobQueue, mailer EmailSender, sms SMSSender, metrics *utils.MetricsCollector) *NotificationServiceImpl {
	return &NotificationServiceImpl{
		repos:   repos,
		hub:     hub,
		queue:   queue,
		mailer:  mailer,
		sms:     sms,
		metrics: metrics,
	}
}

// SetQueue attaches the job queue once the worker pool exists.
func (s *NotificationServiceImpl) SetQueue(queue JobQueue) {
	s.queue = queue
}

// Notify stores the in-app notification and fans it out to the realtime
// stream and the requested delivery channels concurrently.
func (s *NotificationServiceImpl) Notify(ctx context.Context, userID uuid.UUID, typ domain.NotificationType, data NotificationData, channels ...domain.Channel) error {
	user, err := s.repos.Users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load recipient: %w", err)
	}
	if data.Name == "" {
		data.Name = user.FirstName
	}

	rendered, err := notify.Render(typ, data)
	if err != nil {
		return err
	}

	stored := data
	stored.AcceptURL, stored.DeclineURL = "", ""
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode notification data: %w", err)
	}

	n := &domain.Notification{
		UserID:   userID,
		Type:     typ,
		Title:    rendered.Title,
		Message:  rendered.Message,
		Data:     raw,
		Channels: append([]domain.Channel{domain.ChannelInApp}, channels...),
	}
	if err := s.repos.Notifications.Create(ctx, n); err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}
	s.metrics.RecordNotification(string(domain.ChannelInApp), nil)

	g, gctx := errgroup.WithContext(ctx)
	if s.hub != nil {
		g.Go(func() error {
			return s.publish(gctx, n)
		})
	}
	for _, ch := range channels {
		switch ch {
		case domain.ChannelEmail:
			if user.Email == "" {
				continue
			}
			payload := worker.EmailPayload{UserID: userID, To: user.Email, Subject: rendered.EmailSubject, Body: rendered.EmailBody}
			g.Go(func() error {
				return s.dispatch(gctx, worker.JobSendEmail, payload)
			})
		case domain.ChannelSMS:
			if user.Phone == "" {
				continue
			}
			payload := worker.SMSPayload{UserID: userID, Phone: user.Phone, Message: rendered.Message}
			g.Go(func() error {
				return s.dispatch(gctx, worker.JobSendSMS, payload)
			})
		}
	}
	return g.Wait()
}

// NotifyAdmins notifies every active admin.
func (s *NotificationServiceImpl) NotifyAdmins(ctx context.Context, typ domain.NotificationType, data NotificationData, channels ...domain.Channel) error {
	admins, err := s.repos.Users.ListAdmins(ctx)
	if err != nil {
		return fmt.Errorf("failed to list admins: %w", err)
	}
	var firstErr error
	for _, admin := range admins {
		d := data
		d.Name = ""
		if err := s.Notify(ctx, admin.ID, typ, d, channels...); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *NotificationServiceImpl) publish(ctx context.Context, n *domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := s.hub.Publish(ctx, n.UserID, realtime.Message{Type: string(n.Type), Data: body}); err != nil {
		return fmt.Errorf("failed to publish realtime notification: %w", err)
	}
	return nil
}

func (s *NotificationServiceImpl) dispatch(ctx context.Context, jobType worker.JobType, payload any) error {
	job, err := worker.NewJob(jobType, payload)
	if err != nil {
		return err
	}
	if s.queue == nil {
		return s.Send(ctx, job)
	}
	return s.queue.Enqueue(ctx, job)
}

// Send delivers a send_email or send_sms job.
func (s *NotificationServiceImpl) Send(ctx context.Context, job *worker.Job) error {
	switch job.Type {
	case worker.JobSendEmail:
		var p worker.EmailPayload
		if err := job.Decode(&p); err != nil {
			return err
		}
		if s.mailer == nil {
			return nil
		}
		err := s.mailer.SendEmail(ctx, p.To, p.Subject, p.Body)
		s.metrics.RecordNotification(string(domain.ChannelEmail), err)
		return err
	case worker.JobSendSMS:
		var p worker.SMSPayload
		if err := job.Decode(&p); err != nil {
			return err
		}
		if s.sms == nil {
			return nil
		}
		err := s.sms.SendSMS(ctx, p.Phone, p.Message)
		s.metrics.RecordNotification(string(domain.ChannelSMS), err)
		return err
	default:
		return fmt.Errorf("notification service cannot handle job type %s", job.Type)
	}
}

// List returns the caller's notifications and the unread count.
func (s *NotificationServiceImpl) List(ctx context.Context, userID uuid.UUID, filter *domain.NotificationFilter) ([]*domain.Notification, int, error) {
	items, err := s.repos.Notifications.ListForUser(ctx, userID, filter)
	if err != nil {
		return nil, 0, err
	}
	unread, err := s.repos.Notifications.CountUnread(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	return items, unread, nil
}

func (s *NotificationServiceImpl) MarkRead(ctx context.Context, userID, id uuid.UUID) error {
	return s.repos.Notifications.MarkRead(ctx, id, userID)
}

func (s *NotificationServiceImpl) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.repos.Notifications.MarkAllRead(ctx, userID)
}

// Stream subscribes to the caller's live notifications.
func (s *NotificationServiceImpl) Stream(ctx context.Context, userID uuid.UUID) (<-chan realtime.Message, func(), error) {
	if s.hub == nil {
		return nil, nil, fmt.Errorf("realtime notifications are not configured")
	}
	return s.hub.Subscribe(ctx, userID)
}
