// Package mocks holds gomock doubles for the pipeline collaborators.
package mocks

//go:generate mockgen -destination=transformer.go -package=mocks github.com/shipyard/shipyard/internal/transform Transformer
//go:generate mockgen -destination=bundler.go -package=mocks github.com/shipyard/shipyard/internal/bundle Bundler
//go:generate mockgen -destination=notifier.go -package=mocks github.com/shipyard/shipyard/pkg/notifier Notifier
