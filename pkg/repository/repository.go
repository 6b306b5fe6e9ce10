package repository

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/gogo/status"
	"google.golang.org/grpc/codes"
	"gorm.io/gorm"

	"github.com/visagekit/face-backend/pkg/datamodel"
)

var ErrFaceNotFound = status.Error(codes.NotFound, "the requested indexed face was not found")

// Repository is the persistence layer for the face index.
type Repository interface {
	CreateFace(ctx context.Context, face *datamodel.IndexedFace) error
	ListFaces(ctx context.Context) ([]*datamodel.IndexedFace, error)
	GetFaceByUID(ctx context.Context, uid uuid.UUID) (*datamodel.IndexedFace, error)
	DeleteFaceByUID(ctx context.Context, uid uuid.UUID) error
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) CreateFace(ctx context.Context, face *datamodel.IndexedFace) error {
	if result := r.db.WithContext(ctx).Model(&datamodel.IndexedFace{}).Create(face); result.Error != nil {
		return status.Error(codes.Internal, result.Error.Error())
	}
	return nil
}

func (r *repository) ListFaces(ctx context.Context) ([]*datamodel.IndexedFace, error) {
	var faces []*datamodel.IndexedFace
	if result := r.db.WithContext(ctx).Model(&datamodel.IndexedFace{}).Order("create_time").Find(&faces); result.Error != nil {
		return nil, status.Error(codes.Internal, result.Error.Error())
	}
	return faces, nil
}

func (r *repository) GetFaceByUID(ctx context.Context, uid uuid.UUID) (*datamodel.IndexedFace, error) {
	var face datamodel.IndexedFace
	if result := r.db.WithContext(ctx).Model(&datamodel.IndexedFace{}).Where("uid = ?", uid.String()).First(&face); result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, ErrFaceNotFound
		}
		return nil, status.Error(codes.Internal, result.Error.Error())
	}
	return &face, nil
}

func (r *repository) DeleteFaceByUID(ctx context.Context, uid uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&datamodel.IndexedFace{}).Where("uid = ?", uid.String()).Delete(&datamodel.IndexedFace{})
	if result.Error != nil {
		return status.Error(codes.Internal, result.Error.Error())
	}
	if result.RowsAffected == 0 {
		return ErrFaceNotFound
	}
	return nil
}
