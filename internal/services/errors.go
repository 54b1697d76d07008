package services

import (
	apperrors "upliftcs/pkg/errors"
)

// 认证
var (
	ErrInvalidCredentials = apperrors.New(apperrors.CodeUnauthorized, "invalid email or password")
	ErrUserDeactivated    = apperrors.New(apperrors.CodeForbidden, "account is deactivated")
	ErrInvalidToken       = apperrors.New(apperrors.CodeUnauthorized, "invalid or expired token")
	ErrWrongPassword      = apperrors.New(apperrors.CodeUnauthorized, "current password is incorrect")
	ErrEmailExists        = apperrors.New(apperrors.CodeConflict, "user with this email already exists")
)

// 用户与组织
var (
	ErrUserNotFound         = apperrors.New(apperrors.CodeNotFound, "user not found")
	ErrOrganizationNotFound = apperrors.New(apperrors.CodeNotFound, "organization not found")
	ErrCannotModifySelf     = apperrors.New(apperrors.CodeInvalidParam, "cannot modify your own account")
	ErrCannotDeactivateSelf = apperrors.New(apperrors.CodeInvalidParam, "cannot deactivate your own account")
	ErrInvalidRole          = apperrors.New(apperrors.CodeInvalidParam, "role must be one of admin, user, viewer")
	ErrUserLimitReached     = apperrors.New(apperrors.CodeForbidden, "user limit reached for current plan")
)

// 套餐与订阅
var (
	ErrInvalidPlan          = apperrors.New(apperrors.CodeInvalidParam, "invalid plan tier")
	ErrNotAnUpgrade         = apperrors.New(apperrors.CodeInvalidParam, "target plan must be higher than the current plan")
	ErrNotADowngrade        = apperrors.New(apperrors.CodeInvalidParam, "target plan must be lower than the current plan")
	ErrCustomersOverLimit   = apperrors.New(apperrors.CodeInvalidParam, "current customer count exceeds the target plan limit")
	ErrUsersOverLimit       = apperrors.New(apperrors.CodeInvalidParam, "current user count exceeds the target plan limit")
	ErrNotCancelled         = apperrors.New(apperrors.CodeInvalidParam, "subscription is not cancelled")
	ErrNotOnTrial           = apperrors.New(apperrors.CodeInvalidParam, "organization is not on trial")
	ErrAlreadyCancelled     = apperrors.New(apperrors.CodeInvalidParam, "subscription is already cancelled")
	ErrCustomerLimitReached = apperrors.New(apperrors.CodeForbidden, "customer limit reached for current plan")
)

// 客户
var (
	ErrCustomerNotFound   = apperrors.New(apperrors.CodeNotFound, "customer not found")
	ErrExternalIDExists   = apperrors.New(apperrors.CodeConflict, "customer with this external_id already exists")
	ErrActionNotFound     = apperrors.New(apperrors.CodeNotFound, "action not found")
	ErrInvalidActionState = apperrors.New(apperrors.CodeInvalidParam, "action_status must be one of pending, completed, failed")
)

// 剧本
var (
	ErrPlaybookNotFound         = apperrors.New(apperrors.CodeNotFound, "playbook not found")
	ErrExecutionNotFound        = apperrors.New(apperrors.CodeNotFound, "execution not found")
	ErrPlaybookHasActiveRuns    = apperrors.New(apperrors.CodeConflict, "playbook has active executions")
	ErrPlaybookAlreadyRunning   = apperrors.New(apperrors.CodeConflict, "playbook is already active for this customer")
	ErrPlaybookInactive         = apperrors.New(apperrors.CodeInvalidParam, "playbook is not active")
	ErrTooManySteps             = apperrors.New(apperrors.CodeInvalidParam, "playbook exceeds the maximum number of steps")
	ErrInvalidStepType          = apperrors.New(apperrors.CodeInvalidParam, "step_type must be one of email, task, wait, condition")
	ErrMissingTriggerConditions = apperrors.New(apperrors.CodeInvalidParam, "trigger_conditions is required")
	ErrExecutionNotActive       = apperrors.New(apperrors.CodeInvalidParam, "execution is not active")
	ErrExecutionNotPaused       = apperrors.New(apperrors.CodeInvalidParam, "execution is not paused")
)

// 集成
var (
	ErrUnsupportedPlatform   = apperrors.New(apperrors.CodeInvalidParam, "platform not supported")
	ErrIntegrationNotFound   = apperrors.New(apperrors.CodeNotFound, "integration not configured")
	ErrNotificationPlatform  = apperrors.New(apperrors.CodeInvalidParam, "notifications are only supported through slack")
	ErrMissingWebhookURL     = apperrors.New(apperrors.CodeInvalidParam, "slack integration has no webhook_url")
	ErrInvalidWebhookToken   = apperrors.New(apperrors.CodeNotFound, "unknown webhook token")
	ErrEncryptionKeyTooShort = apperrors.New(apperrors.CodeServerError, "integration encryption key must be at least 32 bytes")
)
