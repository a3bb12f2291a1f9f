package model

import "errors"

var ErrorInvalidUsernameOrPassword = errors.New("invalid username or password")
var ErrorUserNotFound = errors.New("user not found")
var ErrorNotConnected = errors.New("not connected")
var ErrorManuallyDisconnected = errors.New("manually disconnected")
var ErrorReconnectFailed = errors.New("reconnect attempts exhausted")
var ErrorReconnectInProgress = errors.New("reconnect already in progress")
var ErrorMissingCredentials = errors.New("missing credentials")
var ErrorUnknownMessage = errors.New("unknown message")
var ErrorUnknownConversation = errors.New("unknown conversation")
var ErrorInvalidToken = errors.New("invalid token")
