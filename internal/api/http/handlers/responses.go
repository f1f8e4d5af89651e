package handlers

import (
	"github.com/deskworks/support-desk/internal/api/dto"
	"github.com/deskworks/support-desk/internal/domain"
	"github.com/deskworks/support-desk/internal/service"
)

func ticketSummary(ticket *domain.Ticket) dto.TicketSummary {
	return dto.TicketSummary{
		ID:               ticket.ID,
		Ref:              ticket.Ref,
		Subject:          ticket.Subject,
		State:            ticket.State,
		Source:           ticket.Source,
		Priority:         ticket.Priority,
		CustomerVerified: ticket.CustomerVerified,
		AssignedTo:       ticket.AssignedTo,
		CreatedAt:        ticket.CreatedAt,
		UpdatedAt:        ticket.UpdatedAt,
		ClosedAt:         ticket.ClosedAt,
	}
}

func ticketDetail(detail *service.TicketDetail, urls URLResolver) dto.TicketDetailResponse {
	msgs := make([]dto.TicketMessageResponse, 0, len(detail.Messages))
	for i := range detail.Messages {
		msgs = append(msgs, messageResponse(&detail.Messages[i], urls))
	}
	resp := dto.TicketDetailResponse{
		TicketSummary: ticketSummary(detail.Ticket),
		Messages:      msgs,
	}
	if c := detail.Customer; c != nil {
		resp.Customer = &dto.CustomerResponse{ID: c.ID, Email: c.Email, FullName: c.FullName, Blocked: c.Blocked}
	}
	return resp
}

func messageResponse(msg *domain.TicketMessage, urls URLResolver) dto.TicketMessageResponse {
	attachments := make([]dto.AttachmentResponse, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		item := dto.AttachmentResponse{
			ID:          att.ID,
			FileName:    att.FileName,
			ContentType: att.ContentType,
			SizeBytes:   att.SizeBytes,
		}
		if urls != nil {
			item.URL = urls.URL(att.Locator)
		}
		attachments = append(attachments, item)
	}
	return dto.TicketMessageResponse{
		ID:             msg.ID,
		Type:           msg.Type,
		Body:           msg.Body,
		Date:           msg.Date,
		EmailMessageID: msg.EmailMessageID,
		AuthorID:       msg.AuthorID,
		PGP: dto.PGPResponse{
			Signed:         msg.PGP.Signed,
			Verified:       msg.PGP.Verified,
			KeyFingerprint: msg.PGP.KeyFingerprint,
		},
		Attachments: attachments,
	}
}

func historyResponses(entries []domain.TicketHistory) []dto.TicketHistoryResponse {
	resp := make([]dto.TicketHistoryResponse, 0, len(entries))
	for _, entry := range entries {
		resp = append(resp, dto.TicketHistoryResponse{
			ID:            entry.ID,
			ChangeType:    entry.ChangeType,
			ChangedByType: entry.ChangedByType,
			ChangedByID:   entry.ChangedByID,
			OldValue:      entry.OldValue,
			NewValue:      entry.NewValue,
			CreatedAt:     entry.CreatedAt,
		})
	}
	return resp
}
