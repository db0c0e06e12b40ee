// Package projection transforms replicated comment rows plus a member
// directory snapshot into threaded, permission-annotated view models, one
// slice per discussion target (message). Project is deterministic and
// side-effect free.
package projection

import (
	"regexp"
	"sort"
	"time"

	"tessera/syncd/internal/directory"
	"tessera/syncd/internal/identity"
	"tessera/syncd/internal/rowstore"
)

// editedTolerance absorbs write-path clock skew between created_at and
// updated_at: a comment counts as edited only when updated_at exceeds
// created_at by more than this.
const editedTolerance = time.Second

// mentionPattern matches inline mention tokens of the form @[<opaque-id>].
// Resolved mentions render as @DisplayName, which the pattern cannot match
// again, so resolution is idempotent.
var mentionPattern = regexp.MustCompile(`@\[([^\[\]]+)\]`)

type Author struct {
	ID          string  `json:"id"`
	DisplayName *string `json:"display_name"`
	AvatarURL   *string `json:"avatar_url"`
	Email       *string `json:"email"`
}

type ViewComment struct {
	ID              int64              `json:"id"`
	MessageID       int64              `json:"message_id"`
	Content         string             `json:"content"`
	ContentRendered string             `json:"content_rendered"`
	Author          *Author            `json:"author"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	IsEdited        bool               `json:"is_edited"`
	CanEdit         bool               `json:"can_edit"`
	CanDelete       bool               `json:"can_delete"`
	ReplyCount      int                `json:"reply_count"`
	Replies         []ViewCommentReply `json:"replies"`
}

type ViewCommentReply struct {
	ID              int64     `json:"id"`
	MessageID       int64     `json:"message_id"`
	Content         string    `json:"content"`
	ContentRendered string    `json:"content_rendered"`
	Author          *Author   `json:"author"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	IsEdited        bool      `json:"is_edited"`
	CanEdit         bool      `json:"can_edit"`
	CanDelete       bool      `json:"can_delete"`
}

// Project builds the per-message view of rows. Replies nest exactly one
// level under their parent; a reply whose parent_id does not reference a
// top-level row in the same message partition is dropped.
func Project(rows []rowstore.CommentRow, members directory.Snapshot, viewer identity.Viewer) map[int64][]ViewComment {
	byMessage := make(map[int64][]rowstore.CommentRow)
	for _, row := range rows {
		byMessage[row.MessageID] = append(byMessage[row.MessageID], row)
	}

	result := make(map[int64][]ViewComment, len(byMessage))
	for messageID, partition := range byMessage {
		result[messageID] = projectPartition(partition, members, viewer)
	}
	return result
}

func projectPartition(partition []rowstore.CommentRow, members directory.Snapshot, viewer identity.Viewer) []ViewComment {
	var topLevel []rowstore.CommentRow
	repliesByParent := make(map[int64][]rowstore.CommentRow)
	for _, row := range partition {
		if row.IsReply() {
			repliesByParent[*row.ParentID] = append(repliesByParent[*row.ParentID], row)
		} else {
			topLevel = append(topLevel, row)
		}
	}

	comments := make([]ViewComment, 0, len(topLevel))
	for _, row := range topLevel {
		replyRows := repliesByParent[row.ID]
		sortRows(replyRows)

		replies := make([]ViewCommentReply, 0, len(replyRows))
		for _, replyRow := range replyRows {
			replies = append(replies, projectReply(replyRow, members, viewer))
		}

		comments = append(comments, projectComment(row, replies, members, viewer))
	}

	sort.SliceStable(comments, func(i, j int) bool {
		if comments[i].CreatedAt.Equal(comments[j].CreatedAt) {
			return comments[i].ID < comments[j].ID
		}
		return comments[i].CreatedAt.Before(comments[j].CreatedAt)
	})
	return comments
}

func projectComment(row rowstore.CommentRow, replies []ViewCommentReply, members directory.Snapshot, viewer identity.Viewer) ViewComment {
	canEdit := viewerCanEdit(row, viewer)
	return ViewComment{
		ID:              row.ID,
		MessageID:       row.MessageID,
		Content:         row.Content,
		ContentRendered: ResolveMentions(row.Content, members),
		Author:          resolveAuthor(row.AuthorID, members),
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
		IsEdited:        IsEdited(row.CreatedAt, row.UpdatedAt),
		CanEdit:         canEdit,
		CanDelete:       canEdit || viewer.CanModerate,
		ReplyCount:      len(replies),
		Replies:         replies,
	}
}

func projectReply(row rowstore.CommentRow, members directory.Snapshot, viewer identity.Viewer) ViewCommentReply {
	canEdit := viewerCanEdit(row, viewer)
	return ViewCommentReply{
		ID:              row.ID,
		MessageID:       row.MessageID,
		Content:         row.Content,
		ContentRendered: ResolveMentions(row.Content, members),
		Author:          resolveAuthor(row.AuthorID, members),
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
		IsEdited:        IsEdited(row.CreatedAt, row.UpdatedAt),
		CanEdit:         canEdit,
		CanDelete:       canEdit || viewer.CanModerate,
	}
}

func viewerCanEdit(row rowstore.CommentRow, viewer identity.Viewer) bool {
	return row.AuthorID != nil && viewer.UserID != "" && *row.AuthorID == viewer.UserID
}

func resolveAuthor(authorID *string, members directory.Snapshot) *Author {
	if authorID == nil {
		return nil
	}
	member, ok := members[*authorID]
	if !ok {
		// Author exists but is not (or no longer) in the directory; keep the
		// id so the UI can render a placeholder.
		return &Author{ID: *authorID}
	}
	return &Author{
		ID:          member.UserID,
		DisplayName: member.DisplayName,
		AvatarURL:   member.AvatarURL,
		Email:       member.Email,
	}
}

// IsEdited reports whether updated_at exceeds created_at by more than the
// tolerance window.
func IsEdited(createdAt, updatedAt time.Time) bool {
	return updatedAt.Sub(createdAt) > editedTolerance
}

// ResolveMentions substitutes @[id] tokens with @DisplayName for every id
// found in the directory with a non-empty display name; unresolvable tokens
// are left as-is.
func ResolveMentions(content string, members directory.Snapshot) string {
	return mentionPattern.ReplaceAllStringFunc(content, func(token string) string {
		id := mentionPattern.FindStringSubmatch(token)[1]
		member, ok := members[id]
		if !ok || member.DisplayName == nil || *member.DisplayName == "" {
			return token
		}
		return "@" + *member.DisplayName
	})
}

func sortRows(rows []rowstore.CommentRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
}
