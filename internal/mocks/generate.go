package mocks

//go:generate mockgen -source=../relay/relay.go -destination=mock_relay.go -package=mocks
//go:generate mockgen -source=../presence/mirror.go -destination=mock_mirror.go -package=mocks
